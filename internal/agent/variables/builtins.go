package variables

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
)

const (
	entityTTL = time.Minute
)

// RegisterBuiltins registers the providers every pipeline needs.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		name string
		fn   ResolverFunc
		meta Meta
	}{
		{"user_name", userName, Meta{Description: "display name of the user", Auth: AuthUser, CacheTTL: entityTTL, Scope: ScopeUser}},
		{"user_id", func(_ context.Context, vc model.VarContext) (string, error) { return vc.UserID(), nil },
			Meta{Description: "user identifier", Auth: AuthUser}},
		{"business_name", businessName, Meta{Description: "business display name", Auth: AuthBusiness, CacheTTL: entityTTL, Scope: ScopeBusiness}},
		{"business_id", func(_ context.Context, vc model.VarContext) (string, error) { return vc.BusinessID(), nil },
			Meta{Description: "business identifier", Auth: AuthBusiness}},
		{"conversation_id", func(_ context.Context, vc model.VarContext) (string, error) { return vc.ConversationID(), nil },
			Meta{Description: "conversation identifier"}},
		{"stage_id", func(_ context.Context, vc model.VarContext) (string, error) { return vc.StageID(), nil },
			Meta{Description: "current stage identifier"}},
		{"stage_name", stageName, Meta{Description: "current stage name"}},
		{"message", func(_ context.Context, vc model.VarContext) (string, error) { return vc.Message, nil },
			Meta{Description: "inbound message text"}},
		{"history", func(_ context.Context, vc model.VarContext) (string, error) { return vc.History, nil },
			Meta{Description: "recent conversation history"}},
		{"extracted_data", extractedData, Meta{Description: "data extracted earlier in this turn"}},
		{"current_date", func(context.Context, model.VarContext) (string, error) { return time.Now().UTC().Format("2006-01-02"), nil },
			Meta{Description: "UTC date"}},
		{"current_time", func(context.Context, model.VarContext) (string, error) { return time.Now().UTC().Format("15:04"), nil },
			Meta{Description: "UTC time of day"}},
	}
	for _, b := range builtins {
		if err := r.Register(b.name, b.fn, b.meta); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAttributes exposes business or user attributes as "<kind>.<key>"
// variables, e.g. business.product for kind "business".
func RegisterAttributes(r *Registry, kind string, keys ...string) error {
	var (
		auth  AuthRequirement
		scope Scope
		attrs func(model.VarContext) map[string]any
	)
	switch kind {
	case "business":
		auth, scope = AuthBusiness, ScopeBusiness
		attrs = func(vc model.VarContext) map[string]any {
			if vc.Business == nil {
				return nil
			}
			return vc.Business.Attributes
		}
	case "user":
		auth, scope = AuthUser, ScopeUser
		attrs = func(vc model.VarContext) map[string]any {
			if vc.User == nil {
				return nil
			}
			return vc.User.Attributes
		}
	default:
		return fmt.Errorf("unknown attribute kind %q", kind)
	}

	for _, key := range keys {
		key := strings.TrimSpace(key)
		if key == "" {
			continue
		}
		fn := func(_ context.Context, vc model.VarContext) (string, error) {
			v, ok := attrs(vc)[key]
			if !ok || v == nil {
				return "", fmt.Errorf("%s attribute %q not set", kind, key)
			}
			return fmt.Sprint(v), nil
		}
		meta := Meta{Description: kind + " attribute " + key, Auth: auth, CacheTTL: entityTTL, Scope: scope}
		if err := r.Register(kind+"."+key, fn, meta); err != nil {
			return err
		}
	}
	return nil
}

func userName(_ context.Context, vc model.VarContext) (string, error) {
	if vc.User == nil {
		return "", fmt.Errorf("user not loaded")
	}
	return vc.User.Name, nil
}

func businessName(_ context.Context, vc model.VarContext) (string, error) {
	if vc.Business == nil {
		return "", fmt.Errorf("business not loaded")
	}
	return vc.Business.Name, nil
}

func stageName(_ context.Context, vc model.VarContext) (string, error) {
	if vc.Stage == nil {
		return "", nil
	}
	return vc.Stage.Name, nil
}

func extractedData(_ context.Context, vc model.VarContext) (string, error) {
	d := vc.ExtractedData
	if d == nil {
		return "", nil
	}
	if d.Success && len(d.Payload) > 0 {
		return string(d.Payload), nil
	}
	return d.RawText, nil
}
