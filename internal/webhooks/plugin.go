package webhooks

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/config"
)

// reservedRequestHeaders are stripped before forwarding to a plugin,
// adapted from the teacher's webhook.go validateJSONRequest/forward
// split: host and content-length are connection-scoped and must be
// recomputed by the HTTP client, and any x-reclaw-* header is reserved
// for the values this bridge itself injects.
func isReservedHeader(name string) bool {
	lower := strings.ToLower(name)
	return lower == "host" || lower == "content-length" || strings.HasPrefix(lower, "x-reclaw-")
}

// servePlugin forwards the raw JSON body to a statically configured
// channelWebhookPlugins.<channel> HTTP bridge (spec §4.7 "Plugin bridge
// behavior"), relaying its status and JSON body verbatim. A non-JSON
// plugin response becomes 502 BAD_GATEWAY.
func (rt *Router) servePlugin(channel string, plugin config.ChannelPluginConfig, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, apierr.Invalid("failed to read request body"))
		return
	}
	defer r.Body.Close()

	timeout := defaultOutboundTimeout
	if plugin.TimeoutMs > 0 {
		timeout = time.Duration(plugin.TimeoutMs) * time.Millisecond
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, plugin.URL, strings.NewReader(string(body)))
	if err != nil {
		writeJSONError(w, apierr.BadGatewayErr("failed to build plugin request"))
		return
	}
	for name, values := range r.Header {
		if isReservedHeader(name) {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("X-Reclaw-Channel", channel)
	if plugin.Token != "" {
		req.Header.Set("X-Reclaw-Plugin-Token", plugin.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		writeJSONError(w, apierr.BadGatewayErr("plugin request failed: "+err.Error()))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, apierr.BadGatewayErr("failed to read plugin response"))
		return
	}
	if !looksLikeJSON(respBody) {
		writeJSONError(w, apierr.BadGatewayErr("plugin returned non-JSON response"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}
