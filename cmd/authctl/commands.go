package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qazna.org/authcore/internal/app"
	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/config"
	"qazna.org/authcore/internal/migrate"
	"qazna.org/authcore/internal/obs"
	"qazna.org/authcore/internal/store/pg"
)

type cli struct {
	out        io.Writer
	in         io.Reader
	configPath string
	timeout    time.Duration
}

func newRootCmd(out io.Writer, in io.Reader) *cobra.Command {
	c := &cli{out: out, in: in}

	root := &cobra.Command{
		Use:           "authctl",
		Short:         "Administrative tasks for the auth core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("AUTHCORE_CONFIG"), "path to YAML config (env AUTHCORE_CONFIG)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "overall command timeout")

	root.AddCommand(c.migrateCmd(), c.keygenCmd(), c.identityCmd(), c.sessionsCmd(), c.purgeCmd())
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	return config.Load(c.configPath)
}

func (c *cli) logger(cfg *config.Config) *zap.Logger {
	l, err := obs.NewLogger(obs.LogConfig{Env: cfg.App.Env, Level: "warn", Service: "authctl"})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

// runtime builds the auth service; identity commands require a database so
// that their effect outlives the process.
func (c *cli) runtime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DSN == "" {
		return nil, errors.New("storage.dsn (AUTHCORE_PG_DSN) is required")
	}
	return app.Build(ctx, cfg, c.logger(cfg), nil)
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}

	withManager := func(fn func(ctx context.Context, m *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.DSN == "" {
				return errors.New("storage.dsn (AUTHCORE_PG_DSN) is required")
			}
			store, err := pg.Open(cfg.Storage.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx, cancel := c.context(cmd)
			defer cancel()
			return fn(ctx, migrate.NewManager(store.DB(), migrate.WithLogger(c.logger(cfg))))
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				for _, name := range applied {
					fmt.Fprintf(c.out, "applied %s\n", name)
				}
				if err == nil && len(applied) == 0 {
					fmt.Fprintln(c.out, "schema is up to date")
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "rolled back %s\n", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Status(ctx)
				if err != nil {
					return err
				}
				pending, err := m.Pending(ctx)
				if err != nil {
					return err
				}
				for _, name := range applied {
					fmt.Fprintf(c.out, "applied  %s\n", name)
				}
				for _, name := range pending {
					fmt.Fprintf(c.out, "pending  %s\n", name)
				}
				return nil
			}),
		},
	)
	return cmd
}

func (c *cli) keygenCmd() *cobra.Command {
	var (
		bits   int
		outDir string
		kid    string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RS256 signing key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if kid == "" {
				kid = "rs-" + time.Now().UTC().Format("20060102")
			}
			privatePEM, publicPEM, err := auth.GenerateRSAKey(bits)
			if err != nil {
				return err
			}
			if _, err := auth.NewRS256Key(kid, privatePEM); err != nil {
				return fmt.Errorf("generated key does not load: %w", err)
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			privPath := filepath.Join(outDir, kid+".pem")
			pubPath := filepath.Join(outDir, kid+".pub.pem")
			if err := writeNew(privPath, privatePEM, 0o600); err != nil {
				return err
			}
			if err := writeNew(pubPath, publicPEM, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "kid: %s\nprivate_key_file: %s\npublic_key_file: %s\n", kid, privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA modulus size")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "directory for the PEM files")
	cmd.Flags().StringVar(&kid, "kid", "", "key id (default rs-YYYYMMDD)")
	return cmd
}

func writeNew(path, body string, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (c *cli) identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage identities"}

	var tenant, role, identifier string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an identity; the credential is read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			credential, err := readSecret(c.in)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			rt, err := c.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			sess, err := rt.Service.Join(ctx, auth.JoinRequest{
				TenantID:   tenant,
				Role:       auth.Role(role),
				Identifier: identifier,
				Credential: credential,
			})
			if err != nil {
				return err
			}
			if _, err := rt.Service.RevokeAll(ctx, sess.SubjectID); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "subject_id: %s\n", sess.SubjectID)
			return nil
		},
	}
	create.Flags().StringVar(&tenant, "tenant", "", "tenant id (tenant scoped roles)")
	create.Flags().StringVar(&role, "role", "", "role name")
	create.Flags().StringVar(&identifier, "identifier", "", "login identifier")
	_ = create.MarkFlagRequired("role")
	_ = create.MarkFlagRequired("identifier")

	setStatus := func(use string, status auth.Status) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <identity-id>",
			Short: "Set identity status to " + string(status),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := c.context(cmd)
				defer cancel()
				rt, err := c.runtime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()
				if err := rt.Service.SetIdentityStatus(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s: %s\n", args[0], status)
				return nil
			},
		}
	}

	cmd.AddCommand(create, setStatus("disable", auth.StatusDisabled), setStatus("enable", auth.StatusActive))
	return cmd
}

func (c *cli) sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Manage refresh sessions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke-all <identity-id>",
		Short: "Revoke every open session of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			rt, err := c.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.Service.RevokeAll(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "revoked %d\n", n)
			return nil
		},
	})
	return cmd
}

func (c *cli) purgeCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete refresh records that expired before now minus grace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			rt, err := c.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if !cmd.Flags().Changed("grace") {
				grace = rt.Config.Maintenance.PurgeGrace
			}
			n, err := rt.Service.PurgeExpired(ctx, grace)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "purged %d\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "keep records expired less than this long ago (default from config)")
	return cmd
}

func readSecret(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("credential must be provided on stdin")
	}
	return line, nil
}
