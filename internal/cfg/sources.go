package cfg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

// Source resolves application properties by key. found=false means the
// source has no opinion; an error means the source itself failed.
type Source interface {
	Lookup(ctx context.Context, key string) (value string, found bool, err error)
	Name() string
}

// MapSource is an in-memory source, also the parsed form of YAML documents.
type MapSource map[string]string

func (m MapSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (MapSource) Name() string { return "map" }

// Properties is the -D key=value flag. It doubles as the process-level
// override source.
type Properties map[string]string

func (p Properties) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, ",")
}

func (p Properties) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("property %q must be key=value", s)
	}
	p[k] = v
	return nil
}

func (p Properties) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := p[key]
	return v, ok, nil
}

func (Properties) Name() string { return "override" }

// EnvKey maps a property key to its env var: "gracefulShutdownWaitSeconds"
// -> "GRACEFUL_SHUTDOWN_WAIT_SECONDS"; dots and dashes become underscores.
func EnvKey(key string) string {
	var b strings.Builder
	rs := []rune(key)
	for i, r := range rs {
		switch {
		case r == '.' || r == '-':
			b.WriteByte('_')
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(rs[i-1]) || unicode.IsDigit(rs[i-1])):
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// EnvSource reads PREFIX + EnvKey(key) from the environment.
type EnvSource struct {
	Prefix string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (e EnvSource) Lookup(_ context.Context, key string) (string, bool, error) {
	lookup := e.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.Prefix + EnvKey(key))
	return v, ok, nil
}

func (EnvSource) Name() string { return "env" }

// ParseYAML flattens a YAML mapping into dotted keys. Scalars are kept as
// their YAML text; sequences are skipped.
func ParseYAML(b []byte) (MapSource, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, xerrors.Wrap(err, "parse yaml properties")
	}
	out := MapSource{}
	if len(root.Content) == 0 {
		return out, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, xerrors.Newf("yaml properties must be a mapping (got kind %d)", doc.Kind)
	}
	flatten("", doc, out)
	return out, nil
}

func flatten(prefix string, n *yaml.Node, out MapSource) {
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i].Value, n.Content[i+1]
		if prefix != "" {
			k = prefix + "." + k
		}
		switch v.Kind {
		case yaml.MappingNode:
			flatten(k, v, out)
		case yaml.ScalarNode:
			out[k] = v.Value
		}
	}
}

// LoadYAMLFile reads and flattens a YAML properties file.
func LoadYAMLFile(path string) (MapSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read properties file %s", path)
	}
	return ParseYAML(b)
}

// ssmParameterGetter is the subset of the SSM client used here.
// Extracted as an interface to enable unit testing without live AWS credentials.
type ssmParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads <Prefix>/<key> from SSM Parameter Store, decrypting
// SecureString values.
type SSMSource struct {
	client ssmParameterGetter
	prefix string
}

func NewSSMSource(cfg aws.Config, prefix string) *SSMSource {
	return &SSMSource{client: ssm.NewFromConfig(cfg), prefix: strings.TrimRight(prefix, "/")}
}

func (s *SSMSource) Lookup(ctx context.Context, key string) (string, bool, error) {
	name := s.prefix + "/" + key
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return "", false, nil
		}
		return "", false, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", false, nil
	}
	return strings.TrimSpace(*out.Parameter.Value), true, nil
}

func (s *SSMSource) Name() string { return "ssm:" + s.prefix }

// s3ObjectGetter is the subset of the S3 client used here.
type s3ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source serves properties from a YAML document in S3. The object is
// fetched on first lookup and cached for the life of the source.
type S3Source struct {
	client s3ObjectGetter
	bucket string
	key    string

	once  sync.Once
	props MapSource
	err   error
}

func NewS3Source(cfg aws.Config, bucket, key string) *S3Source {
	return &S3Source{client: s3.NewFromConfig(cfg), bucket: bucket, key: key}
}

func (s *S3Source) load(ctx context.Context) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		s.err = xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, s.key)
		return
	}
	defer out.Body.Close()

	// properties documents are tiny; cap reads at 1 MiB
	b, err := io.ReadAll(io.LimitReader(out.Body, 1<<20))
	if err != nil {
		s.err = xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.bucket, s.key)
		return
	}
	s.props, s.err = ParseYAML(b)
}

func (s *S3Source) Lookup(ctx context.Context, key string) (string, bool, error) {
	s.once.Do(func() { s.load(ctx) })
	if s.err != nil {
		return "", false, s.err
	}
	return s.props.Lookup(ctx, key)
}

func (s *S3Source) Name() string { return fmt.Sprintf("s3://%s/%s", s.bucket, s.key) }

// Chain consults sources in order; the first one that finds the key wins.
// A failing source aborts the lookup.
type Chain []Source

func (c Chain) Lookup(ctx context.Context, key string) (string, bool, error) {
	for _, s := range c {
		if s == nil {
			continue
		}
		v, ok, err := s.Lookup(ctx, key)
		if err != nil {
			return "", false, xerrors.Wrapf(err, "property source %s", s.Name())
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, s := range c {
		if s != nil {
			names = append(names, s.Name())
		}
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// PropertySources builds the application property chain for c, in priority
// order: environment, YAML file, SSM, S3. The AWS config is only loaded when
// an AWS-backed source is configured.
func PropertySources(ctx context.Context, c App) (Chain, error) {
	chain := Chain{EnvSource{Prefix: EnvPrefix}}

	if c.ConfigFile != "" {
		props, err := LoadYAMLFile(c.ConfigFile)
		if err != nil {
			return nil, err
		}
		chain = append(chain, props)
	}

	if c.ConfigSSMPrefix == "" && c.ConfigS3Bucket == "" {
		return chain, nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	if c.ConfigSSMPrefix != "" {
		chain = append(chain, NewSSMSource(awsCfg, c.ConfigSSMPrefix))
	}
	if c.ConfigS3Bucket != "" {
		chain = append(chain, NewS3Source(awsCfg, c.ConfigS3Bucket, c.ConfigS3Key))
	}
	return chain, nil
}
