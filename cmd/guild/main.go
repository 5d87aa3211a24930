package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"guildhall/internal/app"
	"guildhall/internal/config"
	"guildhall/internal/db"
	"guildhall/internal/engine"
	"guildhall/internal/migrate"
	"guildhall/internal/repo"
	"guildhall/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "guild",
	Short: "Guildhall CLI",
	Long: `Guildhall runs a film directors' association: members, filmographies,
events and project calls, and the registrations that tie them together.

- Workspace: the .guildhall directory holding the database; config lives in
  guildhall.yml next to it.
- Members: directors join as pending and are verified once a film credit
  of theirs is certified.
- Films and credits: the association's catalogue; members claim credits,
  admins certify them.
- Subjects: events and project calls members can register for. Each subject
  is either open for internal registration or points to an external site.
- Registrations: one per member per subject, enforced by the database.
- Event log: diary of changes, view with 'guild log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("GUILDHALL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting member identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(filmCmd())
	rootCmd.AddCommand(creditCmd())
	rootCmd.AddCommand(subjectCmd())
	rootCmd.AddCommand(registrationCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace database and config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("initialized association %s (%s)\n", e.Config.Association.ID, db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Association configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault("default"))
			return nil
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if err := os.WriteFile(config.Path(workspace), data, 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.InitAssociation(ctx, cfg, viper.GetString("actor-id"))
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "path to config YAML")
	cfg.AddCommand(importCmd)
	return cfg
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage members"}
	member.AddCommand(memberRegisterCmd())
	member.AddCommand(memberListCmd())
	member.AddCommand(memberShowCmd())
	member.AddCommand(memberUpdateCmd())
	member.AddCommand(memberStatusCmd("verify", "verified", "Verify a member"))
	member.AddCommand(memberStatusCmd("suspend", "suspended", "Suspend a member"))
	member.AddCommand(memberRegistrationsCmd())
	return member
}

func memberRegisterCmd() *cobra.Command {
	var name, email, phone, bio string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RegisterMember(ctx, engine.MemberRegisterOptions{
					Name:    name,
					Email:   email,
					Phone:   phone,
					Bio:     bio,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "member name")
	cmd.Flags().StringVar(&email, "email", "", "member email")
	cmd.Flags().StringVar(&phone, "phone", "", "member phone")
	cmd.Flags().StringVar(&bio, "bio", "", "short bio")
	return cmd
}

func memberListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMembers(ctx, status, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Status"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Email, m.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func memberShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <member-id>",
		Short: "Show member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := r.GetMember(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func memberUpdateCmd() *cobra.Command {
	var name, email, phone, bio string
	cmd := &cobra.Command{
		Use:   "update <member-id>",
		Short: "Update member profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.MemberUpdateOptions{
					MemberID: args[0],
					ActorID:  viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("email") {
					opts.Email = &email
				}
				if cmd.Flags().Changed("phone") {
					opts.Phone = &phone
				}
				if cmd.Flags().Changed("bio") {
					opts.Bio = &bio
				}
				m, err := e.UpdateMember(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "member name")
	cmd.Flags().StringVar(&email, "email", "", "member email")
	cmd.Flags().StringVar(&phone, "phone", "", "member phone")
	cmd.Flags().StringVar(&bio, "bio", "", "short bio")
	return cmd
}

func memberStatusCmd(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <member-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetMemberStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func memberRegistrationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registrations <member-id>",
		Short: "List a member's registrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRegistrationsByMember(ctx, args[0], 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func filmCmd() *cobra.Command {
	film := &cobra.Command{Use: "film", Short: "Manage the film catalogue"}
	film.AddCommand(filmCreateCmd())
	film.AddCommand(filmListCmd())
	film.AddCommand(filmShowCmd())
	film.AddCommand(filmUpdateCmd())
	return film
}

func filmCreateCmd() *cobra.Command {
	var title, synopsis string
	var year int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a film",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.CreateFilm(ctx, engine.FilmCreateOptions{
					Title:    title,
					Year:     year,
					Synopsis: synopsis,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "film title")
	cmd.Flags().IntVar(&year, "year", 0, "release year")
	cmd.Flags().StringVar(&synopsis, "synopsis", "", "synopsis")
	return cmd
}

func filmListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List films",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFilms(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Year"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.ID, f.Title, f.Year})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func filmShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <film-id>",
		Short: "Show film with credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f, err := r.GetFilm(ctx, args[0])
				if err != nil {
					return err
				}
				credits, err := r.ListCreditsByFilm(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"film": f, "credits": credits})
			})
		},
	}
}

func filmUpdateCmd() *cobra.Command {
	var title, synopsis string
	var year int
	cmd := &cobra.Command{
		Use:   "update <film-id>",
		Short: "Update film",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.FilmUpdateOptions{
					FilmID:  args[0],
					ActorID: viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("year") {
					opts.Year = &year
				}
				if cmd.Flags().Changed("synopsis") {
					opts.Synopsis = &synopsis
				}
				f, err := e.UpdateFilm(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "film title")
	cmd.Flags().IntVar(&year, "year", 0, "release year")
	cmd.Flags().StringVar(&synopsis, "synopsis", "", "synopsis")
	return cmd
}

func creditCmd() *cobra.Command {
	credit := &cobra.Command{Use: "credit", Short: "Film credits"}
	credit.AddCommand(creditClaimCmd())
	credit.AddCommand(creditResolveCmd("certify", "certified", "Certify a credit"))
	credit.AddCommand(creditResolveCmd("reject", "rejected", "Reject a credit"))
	credit.AddCommand(creditListCmd())
	return credit
}

func creditClaimCmd() *cobra.Command {
	var filmID, memberID, role string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a credit on a film",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if memberID == "" {
					memberID = viper.GetString("actor-id")
				}
				c, err := e.ClaimCredit(ctx, engine.CreditClaimOptions{
					FilmID:   filmID,
					MemberID: memberID,
					Role:     role,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&filmID, "film", "", "film id")
	cmd.Flags().StringVar(&memberID, "member", "", "member id (defaults to actor)")
	cmd.Flags().StringVar(&role, "role", "director", "credit role")
	return cmd
}

func creditResolveCmd(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <credit-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResolveCredit(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func creditListCmd() *cobra.Command {
	var memberID, filmID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credits by member or film",
		RunE: func(cmd *cobra.Command, args []string) error {
			if memberID == "" && filmID == "" {
				return fmt.Errorf("--member or --film required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if memberID != "" {
					items, err := r.ListCreditsByMember(ctx, memberID)
					if err != nil {
						return err
					}
					return printJSONOrTable(items)
				}
				items, err := r.ListCreditsByFilm(ctx, filmID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&filmID, "film", "", "film id")
	return cmd
}

func subjectCmd() *cobra.Command {
	subject := &cobra.Command{Use: "subject", Short: "Events and project calls"}
	subject.AddCommand(subjectCreateCmd())
	subject.AddCommand(subjectListCmd())
	subject.AddCommand(subjectShowCmd())
	subject.AddCommand(subjectStatusCmd("open", "Open registrations"))
	subject.AddCommand(subjectStatusCmd("close", "Close registrations"))
	subject.AddCommand(subjectStatusCmd("archive", "Archive subject"))
	subject.AddCommand(subjectRegistrationsCmd())
	return subject
}

func subjectCreateCmd() *cobra.Command {
	var kind, title, description, startsAt, channel, externalURL string
	var capacity int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event or project call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSubject(ctx, engine.SubjectCreateOptions{
					Kind:        kind,
					Title:       title,
					Description: description,
					StartsAt:    startsAt,
					Capacity:    capacity,
					Channel:     channel,
					ExternalURL: externalURL,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "event", "event or project")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "start time (RFC3339, events)")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "max registrations (0 = unlimited)")
	cmd.Flags().StringVar(&channel, "channel", "internal", "registration channel")
	cmd.Flags().StringVar(&externalURL, "external-url", "", "external registration url")
	return cmd
}

func subjectListCmd() *cobra.Command {
	var kind, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSubjects(ctx, kind, status, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Channel"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Kind, s.Title, s.Status, s.Channel})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func subjectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <subject-id>",
		Short: "Show subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSubject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func subjectStatusCmd(use, short string) *cobra.Command {
	status := map[string]string{"open": "open", "close": "closed", "archive": "archived"}[use]
	return &cobra.Command{
		Use:   use + " <subject-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSubjectStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func subjectRegistrationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registrations <subject-id>",
		Short: "List registrations for a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRegistrationsBySubject(ctx, args[0], 0, "", "")
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func registrationCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registration", Short: "Register for events and project calls"}
	reg.AddCommand(registrationCheckCmd())
	reg.AddCommand(registrationSubmitCmd())
	reg.AddCommand(registrationCancelCmd())
	reg.AddCommand(registrationConfirmCmd())
	return reg
}

func registrationCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <subject-id>",
		Short: "Check registration status for the acting member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.CheckRegistration(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
}

func registrationSubmitCmd() *cobra.Command {
	var name, email, phone, organization, special string
	var persons int
	cmd := &cobra.Command{
		Use:   "submit <subject-id>",
		Short: "Submit a registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				form := engine.RegistrationForm{
					Name:                name,
					Email:               email,
					Phone:               phone,
					Organization:        organization,
					SpecialRequirements: special,
				}
				if cmd.Flags().Changed("persons") {
					form.Persons = &persons
				}
				reg, err := e.Register(ctx, args[0], viper.GetString("actor-id"), form)
				if err != nil {
					return err
				}
				return printJSONOrTable(reg)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "contact name")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	cmd.Flags().IntVar(&persons, "persons", 1, "persons attending (events)")
	cmd.Flags().StringVar(&organization, "organization", "", "organization (project calls)")
	cmd.Flags().StringVar(&special, "special-requirements", "", "special requirements (project calls)")
	return cmd
}

func registrationCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <subject-id>",
		Short: "Cancel the acting member's registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				canceled, err := e.CancelRegistration(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"canceled": canceled})
			})
		},
	}
}

func registrationConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <registration-id>",
		Short: "Confirm a registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg, err := e.ConfirmRegistration(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(reg)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys"}
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyListCmd() *cobra.Command {
	var memberID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if memberID == "" {
				memberID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, memberID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id (defaults to actor)")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show acting member roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				roles, err := e.Auth.MemberRoles(ctx, actorID)
				if err != nil {
					return err
				}
				perms, err := e.Auth.MemberPermissions(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"member_id":   actorID,
					"roles":       roles,
					"permissions": perms,
				})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--member and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.AssignRole(ctx, nil, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "member", "", "member id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--member and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "member", "", "member id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: registrations, status changes, certifications.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var before int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n, before)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&before, "before", 0, "only events with smaller id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, nil)
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, e)
			if err != nil {
				return err
			}
			e.Config = cfg
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GUILDHALL_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GUILDHALL_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Guildhall API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, nil)
	cfg, err := app.ResolveConfig(ctx, workspace, e)
	if err != nil {
		return err
	}
	e.Config = cfg
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
