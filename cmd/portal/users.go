package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/ids"
	"tourportal.io/internal/otp"
	"tourportal.io/internal/store/pg"
)

type addUserOptions struct {
	id        string
	email     string
	name      string
	secret    string
	roles     []string
	status    string
	firstTime bool
	backups   int
}

func newUsersCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage portal identities stored in Postgres",
	}
	cmd.AddCommand(newAddUserCmd(root), newBackupCodesCmd(root))
	return cmd
}

func openIdentityStore(root *rootOptions) (*pg.Store, error) {
	cfg, _, err := loadRuntime(root)
	if err != nil {
		return nil, err
	}
	if cfg.PGDSN == "" {
		return nil, errors.New("PORTAL_PG_DSN is required")
	}
	return pg.Open(cfg.PGDSN)
}

func newAddUserCmd(root *rootOptions) *cobra.Command {
	opts := &addUserOptions{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an identity and assign roles",
		Example: `  portal users add --email ana@example.com --secret s3cret \
      --role finance:org-a --role agent:org-b`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openIdentityStore(root)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			identities := st.Identities(0)
			identityID, err := addUser(cmd.Context(), identities, *opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), identityID)
			if opts.backups > 0 {
				return printBackupCodes(cmd.Context(), cmd.OutOrStdout(), identities, identityID, opts.backups)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", "", "identity id (generated when empty)")
	cmd.Flags().StringVar(&opts.email, "email", "", "sign-in email")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "sign-in secret")
	cmd.Flags().StringSliceVar(&opts.roles, "role", nil, "role as type:organization, repeatable")
	cmd.Flags().StringVar(&opts.status, "status", string(auth.RoleStatusActive), "status for the assigned roles")
	cmd.Flags().BoolVar(&opts.firstTime, "first-time", true, "require role consent on first sign-in")
	cmd.Flags().IntVar(&opts.backups, "backup-codes", 0, "also issue this many second-factor backup codes")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func newBackupCodesCmd(root *rootOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "backup-codes <identity-id>",
		Short: "Replace an identity's second-factor backup codes and print the new set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openIdentityStore(root)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			return printBackupCodes(cmd.Context(), cmd.OutOrStdout(), st.Identities(0), args[0], count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of codes")
	return cmd
}

// printBackupCodes replaces the identity's backup codes and writes the
// plaintext set, one per line. Earlier codes stop working.
func printBackupCodes(ctx context.Context, out io.Writer, store otp.BackupStore, identityID string, n int) error {
	codes, err := otp.NewChallenge(nil, otp.WithBackupStore(store)).GenerateBackupCodes(ctx, identityID, n)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "backup codes (shown once):")
	for _, c := range codes {
		fmt.Fprintln(out, c)
	}
	return nil
}

// identityWriter is the part of the identity store that provisioning needs.
type identityWriter interface {
	Register(ctx context.Context, identity auth.Identity, secret string) error
	Assign(ctx context.Context, identityID string, role auth.Role) error
}

func addUser(ctx context.Context, store identityWriter, opts addUserOptions) (string, error) {
	roles := make([]auth.Role, 0, len(opts.roles))
	for _, spec := range opts.roles {
		role, err := parseRoleSpec(spec, auth.RoleStatus(opts.status))
		if err != nil {
			return "", err
		}
		roles = append(roles, role)
	}

	id := strings.TrimSpace(opts.id)
	if id == "" {
		id = ids.Prefixed("usr")()
	}
	identity := auth.Identity{ID: id, Email: opts.email, DisplayName: opts.name, IsFirstTime: opts.firstTime}
	if err := store.Register(ctx, identity, opts.secret); err != nil {
		return "", err
	}
	for i, role := range roles {
		role.ID = fmt.Sprintf("%s-%s-%d", id, role.Type, i+1)
		if err := store.Assign(ctx, id, role); err != nil {
			return "", err
		}
	}
	return id, nil
}

func parseRoleSpec(spec string, status auth.RoleStatus) (auth.Role, error) {
	typ, org, _ := strings.Cut(spec, ":")
	rt, err := auth.ParseRoleType(typ)
	if err != nil {
		return auth.Role{}, err
	}
	if strings.TrimSpace(org) == "" {
		return auth.Role{}, fmt.Errorf("%w: role %q needs an organization (type:org)", auth.ErrInvalidInput, spec)
	}
	switch status {
	case auth.RoleStatusActive, auth.RoleStatusPending, auth.RoleStatusSuspended:
	default:
		return auth.Role{}, fmt.Errorf("%w: unsupported role status %q", auth.ErrInvalidInput, status)
	}
	return auth.Role{
		Name:           string(rt),
		Type:           rt,
		Status:         status,
		OrganizationID: strings.TrimSpace(org),
	}, nil
}
