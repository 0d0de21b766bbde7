package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"approvline/internal/app"
	"approvline/internal/domain"
	"approvline/internal/server"
)

func directoryCmd() *cobra.Command {
	c := &cobra.Command{Use: "directory", Short: "Users, roles and permissions"}
	c.AddCommand(directoryUserCmd())
	c.AddCommand(directoryRoleCmd())
	return c
}

func directoryUserCmd() *cobra.Command {
	c := &cobra.Command{Use: "user", Short: "Manage users"}

	var u domain.User
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Active = true
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.AddUser(ctx, u, actor(a))
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	add.Flags().StringVar(&u.ID, "id", "", "user id")
	add.Flags().StringVar(&u.Name, "name", "", "display name")
	add.Flags().StringVar(&u.Email, "email", "", "email")
	_ = add.MarkFlagRequired("id")
	c.AddCommand(add)

	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.ListUsers(ctx, actor(a))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(users))
				for _, u := range users {
					rows = append(rows, table.Row{u.ID, u.Name, u.Email, u.Active})
				}
				return printJSONOrTable(users, table.Row{"ID", "Name", "Email", "Active"}, rows)
			})
		},
	})

	for _, toggle := range []struct {
		use    string
		active bool
	}{{"activate", true}, {"deactivate", false}} {
		active := toggle.active
		c.AddCommand(&cobra.Command{
			Use:   toggle.use + " <user-id>",
			Short: "Set the user active flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
					return a.Engine.SetUserActive(ctx, args[0], active, actor(a))
				})
			},
		})
	}
	return c
}

func directoryRoleCmd() *cobra.Command {
	c := &cobra.Command{Use: "role", Short: "Manage roles"}

	var id, desc string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				return a.Engine.AddRole(ctx, id, desc, actor(a))
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "role id")
	add.Flags().StringVar(&desc, "description", "", "description")
	_ = add.MarkFlagRequired("id")
	c.AddCommand(add)

	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				roles, err := a.Engine.ListRoles(ctx, actor(a))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(roles))
				for _, r := range roles {
					rows = append(rows, table.Row{r.ID, r.Description})
				}
				return printJSONOrTable(roles, table.Row{"ID", "Description"}, rows)
			})
		},
	})

	for _, g := range []struct {
		use, short string
		grant      bool
	}{
		{"grant", "Grant a role to a user", true},
		{"revoke", "Revoke a role from a user", false},
	} {
		grant := g.grant
		var user, role string
		cmd := &cobra.Command{
			Use:   g.use,
			Short: g.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
					return a.Engine.GrantRole(ctx, user, role, grant, actor(a))
				})
			},
		}
		cmd.Flags().StringVar(&user, "user", "", "user id")
		cmd.Flags().StringVar(&role, "role", "", "role id")
		_ = cmd.MarkFlagRequired("user")
		_ = cmd.MarkFlagRequired("role")
		c.AddCommand(cmd)
	}

	var permRole, perm string
	permCmd := &cobra.Command{
		Use:   "perm",
		Short: "Add a permission to a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				return a.Engine.GrantPermission(ctx, permRole, perm, actor(a))
			})
		},
	}
	permCmd.Flags().StringVar(&permRole, "role", "", "role id")
	permCmd.Flags().StringVar(&perm, "permission", "", "permission id, e.g. template.write")
	_ = permCmd.MarkFlagRequired("role")
	_ = permCmd.MarkFlagRequired("permission")
	c.AddCommand(permCmd)
	return c
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "API keys for entity services and reviewers"}
	var user, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				key, secret, err := a.Engine.CreateAPIKey(ctx, user, name, actor(a))
				if err != nil {
					return err
				}
				return printJSON(server.APIKeyResponse{Key: key, Secret: secret})
			})
		},
	}
	create.Flags().StringVar(&user, "user", "", "user the key acts as")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("user")
	c.AddCommand(create)

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, listUser, actor(a))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				return printJSONOrTable(keys, table.Row{"ID", "User", "Name", "Created"}, rows)
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "only keys of this user")
	c.AddCommand(list)

	c.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeAPIKey(ctx, args[0], actor(a))
			})
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var user string
	var perms []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the configured jwt secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.Auth.User(ctx, nil, user)
				if err != nil {
					return fmt.Errorf("user %s: %w", user, err)
				}
				if u.CompanyID != a.Config.Company.ID || !u.Active {
					return fmt.Errorf("user %s is not an active member of %s", user, a.Config.Company.ID)
				}
				tok, err := server.SignToken(a.Config.Auth.JWTSecret, user, a.Config.Company.ID, perms, ttl)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&user, "user", "", "token subject")
	issue.Flags().StringSliceVar(&perms, "perm", nil, "permissions embedded in the token (default: resolved from roles)")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("user")
	c.AddCommand(issue)
	return c
}
