// Package normalizer validates raw parsed intents and canonicalizes them
// into typed commands. It is a pure transform: no browser, context, or
// memory access happens here.
package normalizer

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/config"
)

// Normalizer turns raw intent records into ordered command lists.
type Normalizer struct {
	threshold float64
	logger    *zap.Logger
}

// New creates a Normalizer using the configured confidence threshold.
func New(cfg config.Interface, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		threshold: cfg.Normalizer().ConfidenceThreshold,
		logger:    logger.With(zap.String("component", "normalizer")),
	}
}

// Normalize validates and canonicalizes a raw intent into one or more
// commands, preserving input order for multi-action records. A validation
// failure on any record fails the whole batch: zero commands are produced.
func (n *Normalizer) Normalize(raw schemas.RawIntent) ([]schemas.Command, error) {
	records := raw.Steps
	if len(records) == 0 {
		if strings.TrimSpace(raw.Intent) == "" {
			return nil, &schemas.ParseError{Reason: "intent record carries no action"}
		}
		records = []schemas.RawIntent{raw}
	}

	commands := make([]schemas.Command, 0, len(records))
	for i, rec := range records {
		cmd, err := n.normalizeOne(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		commands = append(commands, cmd)
	}

	n.logger.Debug("Normalized intent",
		zap.Int("records", len(records)),
		zap.Int("commands", len(commands)))
	return commands, nil
}

func (n *Normalizer) normalizeOne(rec schemas.RawIntent) (schemas.Command, error) {
	kind := schemas.CommandKind(strings.ToUpper(strings.TrimSpace(rec.Intent)))
	if !schemas.KnownCommandKinds[kind] {
		return schemas.Command{}, &schemas.UnsupportedCommandError{Kind: rec.Intent}
	}

	params := flattenParams(rec.Parameters)
	target := firstOf(params, "selector", "target")

	cmd := schemas.Command{
		Kind:       kind,
		Params:     params,
		Target:     target,
		Confidence: rec.Confidence,
	}
	if rec.Confidence < n.threshold {
		cmd.LowConfidence = true
		n.logger.Info("Command below confidence threshold",
			zap.String("kind", string(kind)),
			zap.Float64("confidence", rec.Confidence))
	}

	if err := validate(&cmd); err != nil {
		return schemas.Command{}, err
	}
	return cmd, nil
}

// validate enforces the per-kind required-param schema and canonicalizes
// values in place (URL schemes, scroll directions).
func validate(cmd *schemas.Command) error {
	switch cmd.Kind {
	case schemas.CommandNavigate, schemas.CommandDownload:
		rawURL := firstOf(cmd.Params, "url", "target")
		if rawURL == "" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "url", Reason: "required"}
		}
		canonical, err := canonicalURL(rawURL)
		if err != nil {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "url", Reason: err.Error()}
		}
		cmd.Params["url"] = canonical

	case schemas.CommandSearch:
		if firstOf(cmd.Params, "text", "query") == "" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "text", Reason: "required"}
		}

	case schemas.CommandClick:
		if cmd.Target == "" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "target", Reason: "required"}
		}

	case schemas.CommandType:
		if cmd.Params["text"] == "" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "text", Reason: "required"}
		}
		if cmd.Target == "" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "target", Reason: "required"}
		}

	case schemas.CommandExtract:
		if cmd.Params["data_type"] == "" {
			cmd.Params["data_type"] = "text"
		}

	case schemas.CommandScroll:
		dir := strings.ToLower(cmd.Params["direction"])
		if dir == "" {
			dir = "down"
		}
		if dir != "up" && dir != "down" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "direction", Reason: fmt.Sprintf("must be up or down, got %q", dir)}
		}
		cmd.Params["direction"] = dir
		if amt := cmd.Params["amount"]; amt != "" {
			if _, err := strconv.Atoi(amt); err != nil {
				return &schemas.ValidationError{Kind: cmd.Kind, Field: "amount", Reason: "must be an integer"}
			}
		}

	case schemas.CommandWait:
		if cmd.Params["condition"] == "" && cmd.Params["timeout"] == "" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "condition", Reason: "condition or timeout required"}
		}

	case schemas.CommandScreenshot:
		// No required params.

	case schemas.CommandFilter:
		if len(keysWithPrefix(cmd.Params, "criterion:")) == 0 {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "criteria", Reason: "at least one filter criterion required"}
		}

	case schemas.CommandFillForm:
		if len(keysWithPrefix(cmd.Params, "field:")) == 0 {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "form_data", Reason: "at least one form field required"}
		}

	case schemas.CommandUpload:
		if cmd.Target == "" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "target", Reason: "required"}
		}
		if cmd.Params["file"] == "" {
			return &schemas.ValidationError{Kind: cmd.Kind, Field: "file", Reason: "required"}
		}
	}
	return nil
}

// flattenParams lowers the free-form parameter mapping into string params.
// Nested objects get namespaced keys: form_data fields become "field:<name>",
// filter criteria become "criterion:<name>". Everything else is stringified.
func flattenParams(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch k {
		case "form_data":
			if m, ok := v.(map[string]any); ok {
				for fk, fv := range m {
					out["field:"+fk] = stringify(fv)
				}
				continue
			}
		case "criteria":
			if m, ok := v.(map[string]any); ok {
				for ck, cv := range m {
					out["criterion:"+ck] = stringify(cv)
				}
				continue
			}
		case "filter_type":
			// Legacy single-criterion shape: {"filter_type": "price", "max_value": 1000}.
			name := stringify(v)
			if val, ok := in["max_value"]; ok {
				out["criterion:"+name] = stringify(val)
			} else if val, ok := in["value"]; ok {
				out["criterion:"+name] = stringify(val)
			} else {
				out["criterion:"+name] = ""
			}
			continue
		case "max_value", "value":
			if _, ok := in["filter_type"]; ok {
				continue // folded into the criterion above
			}
		}
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// canonicalURL accepts bare hosts ("google.com") and returns an absolute URL.
func canonicalURL(raw string) (string, error) {
	if strings.HasPrefix(raw, "$ref:") {
		// Resolved at execution time from a prior step's output.
		return raw, nil
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("not URL-shaped: %v", err)
	}
	if u.Host == "" || !strings.Contains(u.Host, ".") && u.Host != "localhost" {
		return "", fmt.Errorf("not URL-shaped: missing host in %q", raw)
	}
	return u.String(), nil
}

func firstOf(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := params[k]; v != "" {
			return v
		}
	}
	return ""
}

func keysWithPrefix(params map[string]string, prefix string) []string {
	var keys []string
	for k := range params {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
