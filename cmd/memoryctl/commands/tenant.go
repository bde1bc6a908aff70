package commands

import (
	"github.com/spf13/cobra"

	"github.com/creastat/memory"
)

type tenantFlags struct {
	user, role, session string
}

func (f *tenantFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "user id")
	cmd.Flags().StringVar(&f.role, "role", "", "role id")
	cmd.Flags().StringVar(&f.session, "session", "", "session id (default: all sessions)")
}

// set reports whether any tenant flag was given.
func (f *tenantFlags) set() bool {
	return f.user != "" || f.role != "" || f.session != ""
}

func (f *tenantFlags) key() (memory.TenantKey, error) {
	return memory.NewTenantKey(f.user, f.role, f.session)
}
