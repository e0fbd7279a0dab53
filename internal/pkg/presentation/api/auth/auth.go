package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

var tracer = otel.Tracer("nibe-mgmt/authz")

type impl struct {
	query rego.PreparedEvalQuery
}

// NewAuthenticator prepares the authorization policy and returns a
// middleware that validates bearer tokens against it.
func NewAuthenticator(ctx context.Context, policies io.Reader) (func(http.Handler) http.Handler, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.nibe.authz.allow"),
		rego.Module("authz.rego", string(module)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	a := &impl{query: query}

	return a.middleware, nil
}

func (a *impl) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		logger := logging.GetFromContext(r.Context())

		_, span := tracer.Start(r.Context(), "check-auth")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		token := r.Header.Get("Authorization")

		if token == "" || !strings.HasPrefix(token, "Bearer ") {
			err = errors.New("authorization header missing")
			logger.Info(err.Error())
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		input := map[string]any{
			"token":  token[7:],
			"method": r.Method,
			"path":   r.URL.Path,
		}

		results, err := a.query.Eval(r.Context(), rego.EvalInput(input))
		if err != nil {
			logger.Error("opa eval failed", "err", err.Error())
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if len(results) == 0 {
			err = errors.New("opa query could not be satisfied")
			logger.Error("auth failed", "err", err.Error())
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		allowed, ok := results[0].Bindings["x"].(bool)
		if !ok {
			err = errors.New("unexpected result type from authz policy")
			logger.Error("opa error", "err", err.Error())
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if !allowed {
			err = errors.New("authorization failed")
			logger.Warn(err.Error())
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
