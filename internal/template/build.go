package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgnsrekt/browser_relay/internal/types"
)

// Build renders a logical request into the outbound request both execution
// paths share. It also returns the credential fields the endpoint needs but
// the snapshot lacks; the server path refuses to run when the list is
// non-empty, the delegate path ignores it because the browser supplies its
// own cookie jar.
//
// Build is pure: it performs no I/O and never mutates the snapshot.
func (e *Engine) Build(req types.LogicalRequest, snap *types.CredentialSnapshot) (*types.BuiltRequest, []string, error) {
	e.mu.RLock()
	cat := e.cat
	e.mu.RUnlock()

	ep, ok := cat.Endpoints[req.Endpoint]
	if !ok {
		return nil, nil, types.NewError(types.CodeUnsupportedEndpoint,
			fmt.Sprintf("unknown endpoint: %s", req.Endpoint), nil)
	}

	path, err := expandPath(ep.Path, req.Params)
	if err != nil {
		return nil, nil, err
	}

	query, err := renderFields(ep.Query, req.Params, "query")
	if err != nil {
		return nil, nil, err
	}

	var body []byte
	var contentType string
	if ep.Body != nil {
		switch ep.Body.Type {
		case "form":
			pairs, err := renderFields(ep.Body.Fields, req.Params, "body")
			if err != nil {
				return nil, nil, err
			}
			body = []byte(strings.Join(pairs, "&"))
			contentType = "application/x-www-form-urlencoded"
		case "json":
			body, err = renderJSONBody(ep.Body.Fields, req.Params)
			if err != nil {
				return nil, nil, err
			}
			contentType = "application/json"
		}
	}

	url := cat.BaseURL + path
	if len(query) > 0 {
		url += "?" + strings.Join(query, "&")
	}

	// Header order is fixed. Absent credential fields drop the whole
	// header rather than sending it empty; an empty X-CSRF-Token or a
	// dangling cookie pair changes the request's shape.
	headers := []types.Header{{Name: "Accept", Value: "application/json"}}
	if contentType != "" {
		headers = append(headers, types.Header{Name: "Content-Type", Value: contentType})
	}
	if cat.ClientVersion != "" {
		headers = append(headers, types.Header{Name: "X-Client-Version", Value: cat.ClientVersion})
	}

	var missing []string
	if ep.CSRF {
		if snap != nil && snap.CSRFToken != "" {
			headers = append(headers, types.Header{Name: "X-CSRF-Token", Value: snap.CSRFToken})
		} else {
			missing = append(missing, "csrf_token")
		}
	}

	var cookiePairs []string
	for _, ref := range ep.Cookies {
		if v, ok := snap.Cookie(ref.Name); ok {
			cookiePairs = append(cookiePairs, ref.Name+"="+v)
		} else if ref.Required {
			missing = append(missing, "cookie:"+ref.Name)
		}
	}
	if len(cookiePairs) > 0 {
		headers = append(headers, types.Header{Name: "Cookie", Value: strings.Join(cookiePairs, "; ")})
	}

	return &types.BuiltRequest{
		Method:  ep.Method,
		URL:     url,
		Headers: headers,
		Body:    body,
	}, missing, nil
}

// expandPath fills {placeholder} segments from params, percent-encoding the
// values.
func expandPath(path string, params map[string]any) (string, error) {
	if !strings.Contains(path, "{") {
		return path, nil
	}
	var b strings.Builder
	rest := path
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		close := strings.Index(rest[open:], "}")
		if close < 0 {
			return "", types.NewError(types.CodeValidation,
				fmt.Sprintf("malformed path template: %s", path), nil)
		}
		name := rest[open+1 : open+close]
		v, ok := params[name]
		if !ok {
			return "", types.NewError(types.CodeValidation,
				fmt.Sprintf("missing required param: %s", name), nil)
		}
		s, err := formatValue(v)
		if err != nil {
			return "", types.NewError(types.CodeValidation,
				fmt.Sprintf("param %s: %v", name, err), nil)
		}
		b.WriteString(rest[:open])
		b.WriteString(Encode(s))
		rest = rest[open+close+1:]
	}
}

// renderFields renders key=value pairs in declared order. Absent optional
// params are omitted entirely; absent required params fail.
func renderFields(fields []FieldSpec, params map[string]any, where string) ([]string, error) {
	var pairs []string
	for _, f := range fields {
		v, ok := params[f.Param]
		if !ok {
			if f.Required {
				return nil, types.NewError(types.CodeValidation,
					fmt.Sprintf("missing required param: %s", f.Param), nil)
			}
			continue
		}
		s, err := formatValue(v)
		if err != nil {
			return nil, types.NewError(types.CodeValidation,
				fmt.Sprintf("%s param %s: %v", where, f.Param, err), nil)
		}
		pairs = append(pairs, f.Key+"="+Encode(s))
	}
	return pairs, nil
}

// renderJSONBody builds a JSON object with fields in declared order. The
// standard marshaler would sort an object's keys, which is deterministic but
// not the order the target's client sends.
func renderJSONBody(fields []FieldSpec, params map[string]any) ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	n := 0
	for _, f := range fields {
		v, ok := params[f.Param]
		if !ok {
			if f.Required {
				return nil, types.NewError(types.CodeValidation,
					fmt.Sprintf("missing required param: %s", f.Param), nil)
			}
			continue
		}
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, types.NewError(types.CodeValidation,
				fmt.Sprintf("body param %s: %v", f.Param, err), nil)
		}
		if n > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(f.Key)
		b.Write(key)
		b.WriteByte(':')
		b.Write(enc)
		n++
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// formatValue renders a scalar or composite param deterministically.
// Composites join their elements with "," before encoding, so the separator
// travels encoded inside a single value.
func formatValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case json.Number:
		return t.String(), nil
	case []string:
		return strings.Join(t, ","), nil
	case []any:
		parts := make([]string, len(t))
		for i, el := range t {
			s, err := formatValue(el)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ","), nil
	case nil:
		return "", fmt.Errorf("null value")
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
