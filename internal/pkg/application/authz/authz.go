package authz

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/open-policy-agent/opa/rego"
)

type Action string

const (
	ReadInventory   Action = "inventory.read"
	ManageInventory Action = "inventory.manage"
	ManageUsers     Action = "users.manage"
	AssignDevices   Action = "devices.assign"
	AssignLockers   Action = "lockers.assign"
	SetLockerStatus Action = "lockers.status"
	AssignDoors     Action = "doors.assign"
	ReadSessions    Action = "sessions.read"
	EndSessions     Action = "sessions.end"
)

//go:generate moq -rm -out authorizer_mock.go . Authorizer

type Authorizer interface {
	Authorize(ctx context.Context, caller types.Caller, action Action) error
}

type opaAuthorizer struct {
	query rego.PreparedEvalQuery
}

// New prepares the rego policy read from policies. The policy must define
// data.lockermgmt.authz.allow, evaluated with an input of role, user and action.
func New(ctx context.Context, policies io.Reader) (Authorizer, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.lockermgmt.authz.allow"),
		rego.Module("lockermgmt.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return &opaAuthorizer{query: query}, nil
}

func (a *opaAuthorizer) Authorize(ctx context.Context, caller types.Caller, action Action) error {
	log := logging.GetLoggerFromContext(ctx)

	if caller.UserID == "" {
		return types.NewError(types.ErrForbidden, "no caller identity")
	}

	input := map[string]any{
		"role":   string(caller.Role),
		"user":   caller.UserID,
		"action": string(action),
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		log.Error().Err(err).Msg("opa eval failed")
		return fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 {
		err = errors.New("opa query could not be satisfied")
		log.Error().Err(err).Msg("auth failed")
		return err
	}

	allowed, ok := results[0].Bindings["x"].(bool)
	if !ok {
		return errors.New("unexpected result type from policy engine")
	}

	if !allowed {
		log.Warn().Str("user", caller.UserID).Str("role", string(caller.Role)).Str("action", string(action)).Msg("authorization failed")
		return types.NewError(types.ErrForbidden, fmt.Sprintf("%s may not %s", caller.Role, action), caller.UserID)
	}

	return nil
}
