package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/protocol"
	"github.com/dgnsrekt/browser_relay/internal/types"
)

// Executor runs one built request inside the user's browser and returns
// the upstream outcome as observed by the page.
type Executor interface {
	ExecuteFetch(ctx context.Context, built *types.BuiltRequest) (protocol.ResponsePayload, error)
	Close() error
}

// fetchEnvelope is what the in-page script resolves to, as a JSON string.
type fetchEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// buildFetchJS renders the in-page script for one built request. The script
// issues the gateway-built bytes verbatim except for the Cookie header:
// fetch refuses to set it, and credentials "include" attaches the browser's
// live session cookies instead, which is the whole point of this path.
func buildFetchJS(built *types.BuiltRequest, timeout time.Duration) string {
	var b strings.Builder
	b.WriteString("(async function(){\ntry {\n")
	fmt.Fprintf(&b, "const controller = new AbortController();\n")
	fmt.Fprintf(&b, "const timer = setTimeout(() => controller.abort(), %d);\n", timeout.Milliseconds())
	b.WriteString("const headers = {};\n")
	for _, h := range built.Headers {
		if strings.EqualFold(h.Name, "Cookie") {
			continue
		}
		fmt.Fprintf(&b, "headers[%s] = %s;\n", jsString(h.Name), jsString(h.Value))
	}
	fmt.Fprintf(&b, "const opts = {method: %s, headers: headers, credentials: \"include\", signal: controller.signal};\n", jsString(built.Method))
	if len(built.Body) > 0 {
		fmt.Fprintf(&b, "opts.body = %s;\n", jsString(string(built.Body)))
	}
	fmt.Fprintf(&b, "const resp = await fetch(%s, opts);\n", jsString(built.URL))
	b.WriteString("clearTimeout(timer);\n")
	b.WriteString("const body = await resp.text();\n")
	b.WriteString("const hdrs = {};\n")
	b.WriteString("resp.headers.forEach((v, k) => { hdrs[k] = v; });\n")
	b.WriteString("return JSON.stringify({ok:true,data:{status:resp.status,headers:hdrs,body:body}});\n")
	b.WriteString(`} catch (err) {
return JSON.stringify({ok:false,error_code:"FETCH_FAILURE",error_message:String(err && err.message || err)});
}
})()`)
	return b.String()
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
