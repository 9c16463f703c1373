package supervisor

import "ctrlplane/internal/hooks"

func newTestHookRunner() *hooks.Runner {
	return hooks.New(0, nil)
}
