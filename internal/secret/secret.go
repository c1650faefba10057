// Package secret resolves datastore passwords given as references to AWS
// Systems Manager parameters ("ssm:///prod/user-service/pg-password").
// Anything else is taken as the literal value.
package secret

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/xerrors"
)

const SSMScheme = "ssm://"

// ParameterGetter is the slice of the SSM client the resolver uses.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMResolver fetches parameters with decryption and caches them for the
// life of the process. The AWS client is built on first use, so a service
// configured with plain passwords never loads AWS config.
type SSMResolver struct {
	mu     sync.Mutex
	client ParameterGetter
	awsCfg *aws.Config
	cache  map[string]string
	logger log.Logger
}

type Option func(*SSMResolver)

// WithClient injects the SSM client (tests, or a pre-built client).
func WithClient(c ParameterGetter) Option { return func(r *SSMResolver) { r.client = c } }

// WithAWSConfig builds the client from cfg instead of the default chain.
func WithAWSConfig(cfg aws.Config) Option { return func(r *SSMResolver) { r.awsCfg = &cfg } }

func WithLogger(L log.Logger) Option { return func(r *SSMResolver) { r.logger = L } }

func NewSSMResolver(opts ...Option) *SSMResolver {
	r := &SSMResolver{cache: make(map[string]string), logger: log.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsRef reports whether v names an SSM parameter.
func IsRef(v string) bool { return strings.HasPrefix(v, SSMScheme) }

// Resolve returns the parameter value for an ssm:// reference and v
// unchanged otherwise.
func (r *SSMResolver) Resolve(ctx context.Context, v string) (string, error) {
	if !IsRef(v) {
		return v, nil
	}
	name := strings.TrimPrefix(v, SSMScheme)
	if name == "" {
		return "", xerrors.Newf("empty parameter name in %q", v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if val, ok := r.cache[name]; ok {
		return val, nil
	}
	client, err := r.clientLocked(ctx)
	if err != nil {
		return "", err
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	// returned byte for byte; whitespace can be part of a password
	val := *out.Parameter.Value
	if val == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}

	r.cache[name] = val
	r.logger.Debug(ctx, "resolved secret from SSM", "parameter", name)
	return val, nil
}

func (r *SSMResolver) clientLocked(ctx context.Context) (ParameterGetter, error) {
	if r.client != nil {
		return r.client, nil
	}
	var cfg aws.Config
	if r.awsCfg != nil {
		cfg = *r.awsCfg
	} else {
		var err error
		cfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	r.client = ssm.NewFromConfig(cfg)
	return r.client, nil
}
