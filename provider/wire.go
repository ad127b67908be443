package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/hupe1980/agentcoord/core"
)

// PairToolMessages prepares a window's messages for vendor APIs, which
// reject tool results without a preceding call and calls without results.
// Calls whose results were dropped from the window are removed, and results
// whose call was dropped become user text. The input is not modified.
func PairToolMessages(msgs []core.Message) []core.Message {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == core.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]core.Message, 0, len(msgs))
	called := make(map[string]bool)
	for _, m := range msgs {
		switch m.Role {
		case core.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, m)
				continue
			}
			m = m.Clone()
			kept := m.ToolCalls[:0]
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					kept = append(kept, tc)
					called[tc.ID] = true
				}
			}
			m.ToolCalls = kept
			if len(kept) == 0 && strings.TrimSpace(m.Content) == "" {
				continue
			}
			out = append(out, m)
		case core.RoleTool:
			if called[m.ToolCallID] {
				out = append(out, m)
				continue
			}
			orphan := m.Clone()
			orphan.Role = core.RoleUser
			orphan.ToolCallID = ""
			orphan.Content = fmt.Sprintf("[earlier tool result %s]\n%s", m.ToolCallID, m.Content)
			out = append(out, orphan)
		default:
			out = append(out, m)
		}
	}
	return out
}

// IsToolError reports whether a tool message carries a failed call.
func IsToolError(m core.Message) bool {
	return m.Meta(core.MetaFailureKind) != ""
}

// ClassifyStatus maps an HTTP status and vendor error code onto the provider
// error classes.
func ClassifyStatus(status int, code string) core.ProviderErrorClass {
	code = strings.ToLower(code)
	switch {
	case strings.Contains(code, "content_policy"), strings.Contains(code, "content_filter"), strings.Contains(code, "refusal"):
		return core.ClassContentPolicy
	case status == http.StatusTooManyRequests, strings.Contains(code, "rate_limit"):
		return core.ClassRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden, strings.Contains(code, "authentication"), strings.Contains(code, "permission"):
		return core.ClassAuthentication
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status >= 500, strings.Contains(code, "overloaded"):
		return core.ClassTransientNetwork
	default:
		return core.ClassUnknown
	}
}

// WrapError classifies a vendor error. Context errors are returned unchanged
// so cancellation keeps its kind; network failures are transient.
func WrapError(providerName string, status int, code string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	class := core.ClassUnknown
	if status > 0 || code != "" {
		class = ClassifyStatus(status, code)
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			class = core.ClassTransientNetwork
		}
	}
	return &core.ProviderError{Provider: providerName, Class: class, StatusCode: status, Err: err}
}

// Refusal returns the error for a reply the vendor stopped on content policy.
func Refusal(providerName, reason string) error {
	return &core.ProviderError{Provider: providerName, Class: core.ClassContentPolicy, Err: fmt.Errorf("generation stopped: %s", reason)}
}
