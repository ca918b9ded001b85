// Package prefetch resolves a service's declared prefetch query templates
// against the current hook context and executes them against the FHIR
// server, producing the prefetch bundle that accompanies a hook invocation.
package prefetch

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/cds-client/internal/cdshooks"
)

// placeholderRe matches {{...}} template placeholders.
var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// FHIRReader is the subset of the FHIR client the resolver needs.
type FHIRReader interface {
	Read(ctx context.Context, resourceType, id string) (map[string]any, error)
	Search(ctx context.Context, resourceType string, params url.Values) (map[string]any, error)
}

// Resolver substitutes context values into prefetch templates and executes
// the resulting queries.
type Resolver struct {
	fhir   FHIRReader
	logger zerolog.Logger
}

// New creates a Resolver backed by the given FHIR reader.
func New(fhir FHIRReader, logger zerolog.Logger) *Resolver {
	return &Resolver{fhir: fhir, logger: logger}
}

// Resolve builds the prefetch bundle for one service invocation. A template
// whose placeholders cannot all be resolved is skipped; failures for one key
// never abort the others. Returns nil when nothing resolved.
func (r *Resolver) Resolve(ctx context.Context, service cdshooks.Service, hookCtx map[string]any) map[string]any {
	if len(service.Prefetch) == 0 {
		return nil
	}

	bundle := make(map[string]any, len(service.Prefetch))
	for key, template := range service.Prefetch {
		query, err := substitute(template, hookCtx)
		if err != nil {
			r.logger.Warn().
				Str("service_id", service.ID).
				Str("prefetch_key", key).
				Err(err).
				Msg("prefetch template skipped")
			continue
		}

		value, err := r.execute(ctx, query)
		if err != nil {
			r.logger.Warn().
				Str("service_id", service.ID).
				Str("prefetch_key", key).
				Err(err).
				Msg("prefetch query failed")
			continue
		}
		bundle[key] = value
	}

	if len(bundle) == 0 {
		return nil
	}
	return bundle
}

// execute runs one resolved prefetch query. A direct ResourceType/id path is
// a single-resource read; anything else is a search.
func (r *Resolver) execute(ctx context.Context, query string) (any, error) {
	path := query
	rawParams := ""
	if i := strings.Index(query, "?"); i >= 0 {
		path, rawParams = query[:i], query[i+1:]
	}
	path = strings.TrimPrefix(path, "/")

	if rawParams == "" {
		if parts := strings.SplitN(path, "/", 2); len(parts) == 2 && parts[1] != "" {
			resource, err := r.fhir.Read(ctx, parts[0], parts[1])
			if err != nil {
				return nil, err
			}
			if resource == nil {
				return nil, nil
			}
			return resource, nil
		}
	}

	params, err := url.ParseQuery(rawParams)
	if err != nil {
		return nil, fmt.Errorf("malformed query %q: %w", query, err)
	}
	return r.fhir.Search(ctx, path, params)
}

// substitute replaces every {{...}} placeholder in template with the
// corresponding context value. Any placeholder left unresolved fails the
// whole template.
func substitute(template string, hookCtx map[string]any) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		token := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := lookup(token, hookCtx)
		if !ok {
			missing = append(missing, token)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// lookup resolves a placeholder token such as "context.patientId" against
// the hook context. The leading "context." segment is optional.
func lookup(token string, hookCtx map[string]any) (string, bool) {
	key := strings.TrimPrefix(token, "context.")
	raw, ok := hookCtx[key]
	if !ok || raw == nil {
		return "", false
	}
	return scalarString(raw)
}

// scalarString renders a scalar context value for URL substitution.
// Non-scalar values cannot appear in a query template.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
