package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"approvline/internal/app"
	"approvline/internal/domain"
	"approvline/internal/engine"
	"approvline/internal/repo"
)

func templateCmd() *cobra.Command {
	c := &cobra.Command{Use: "template", Short: "Manage workflow templates"}
	c.AddCommand(templateApplyCmd())
	c.AddCommand(templateListCmd())
	c.AddCommand(templateShowCmd())
	c.AddCommand(templateToggleCmd("activate", true))
	c.AddCommand(templateToggleCmd("deactivate", false))
	c.AddCommand(templateDeleteCmd())
	c.AddCommand(templateRunCmd())
	return c
}

func templateApplyCmd() *cobra.Command {
	var file string
	var activate bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or replace a template from a YAML file",
		Long: `Reads a template document such as:

  id: po-approval
  name: PO approval
  trigger: {entity_type: purchase_order, on: create}
  trigger_conditions:
    threshold: {field: total_amount, operator: gt, value: 1000}
  steps:
    - name: Finance
      assignee_type: role
      assignee_id: finance

A template whose id already exists is replaced and its version bumped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var t domain.Template
			if err := yaml.Unmarshal(data, &t); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if activate {
				t.IsActive = true
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				who := actor(a)
				if t.ID != "" {
					if _, err := a.Engine.GetTemplate(ctx, t.ID, who); err == nil {
						out, err := a.Engine.UpdateTemplate(ctx, t.ID, t, 0, who)
						if err != nil {
							return err
						}
						return printJSON(out)
					} else if !isNotFound(err) {
						return err
					}
				}
				out, err := a.Engine.CreateTemplate(ctx, t, who)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
	cmd.Flags().BoolVar(&activate, "activate", false, "mark the template active")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var f repo.TemplateFilters
	var active string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch active {
			case "":
			case "true", "false":
				v := active == "true"
				f.Active = &v
			default:
				return fmt.Errorf("--active must be true or false")
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTemplates(ctx, f, actor(a))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					rows = append(rows, table.Row{t.ID, t.Name, t.Trigger.EntityType, t.Trigger.On, t.IsActive, t.Version})
				}
				return printJSONOrTable(items, table.Row{"ID", "Name", "Entity", "Trigger", "Active", "Version"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.Trigger, "trigger", "", "trigger filter")
	cmd.Flags().StringVar(&active, "active", "", "active filter (true|false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max templates")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTemplate(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func templateToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Set the template active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.SetTemplateActive(ctx, args[0], active, actor(a))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func templateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a template that never started an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteTemplate(ctx, args[0], actor(a))
			})
		},
	}
}

func templateRunCmd() *cobra.Command {
	var in engine.RunInput
	var snapshot string
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Start a template for one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := parseSnapshot(snapshot)
			if err != nil {
				return err
			}
			in.TemplateID = args[0]
			in.Snapshot = snap
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				in.Actor = actor(a)
				out, err := a.Engine.RunManual(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&in.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&in.Title, "title", "", "instance title")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "entity snapshot as JSON or @file")
	cmd.Flags().BoolVar(&in.CheckConditions, "check-conditions", false, "refuse to start when trigger conditions do not hold")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func eventCmd() *cobra.Command {
	c := &cobra.Command{Use: "event", Short: "Entity events"}
	var evt domain.EntityEvent
	var snapshot string
	emit := &cobra.Command{
		Use:   "emit",
		Short: "Emit an entity create/update event and start matching templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := parseSnapshot(snapshot)
			if err != nil {
				return err
			}
			evt.Snapshot = snap
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				who := actor(a)
				evt.CompanyID = who.CompanyID
				if evt.ActorID == "" {
					evt.ActorID = who.UserID
				}
				res, err := a.Engine.Evaluate(ctx, evt)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	emit.Flags().StringVar(&evt.EntityType, "entity-type", "", "entity type")
	emit.Flags().StringVar(&evt.EntityID, "entity-id", "", "entity id")
	emit.Flags().StringVar(&evt.Operation, "operation", domain.TriggerCreate, "create or update")
	emit.Flags().StringVar(&snapshot, "snapshot", "", "entity snapshot as JSON or @file")
	emit.Flags().StringVar(&evt.ActorID, "actor-id", "", "user who mutated the entity (default: acting user)")
	_ = emit.MarkFlagRequired("entity-type")
	_ = emit.MarkFlagRequired("entity-id")
	c.AddCommand(emit)
	return c
}

func instanceCmd() *cobra.Command {
	c := &cobra.Command{Use: "instance", Short: "Inspect and cancel workflow instances"}
	c.AddCommand(instanceListCmd())
	c.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show an instance with its executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.GetInstance(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(d)
				}
				rows := make([]table.Row, 0, len(d.Executions))
				for _, x := range d.Executions {
					rows = append(rows, table.Row{x.ID, x.Round, x.StepNumber, x.Status, x.AssigneeType + ":" + x.AssignedTo, x.Decision, x.DecidedBy})
				}
				fmt.Printf("%s  %s  status=%s outcome=%s step=%d round=%d\n", d.ID, d.Title, d.Status, d.Outcome, d.CurrentStepNumber, d.Round)
				return printJSONOrTable(d, table.Row{"Execution", "Round", "Step", "Status", "Assignee", "Decision", "By"}, rows)
			})
		},
	})
	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an active instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.Cancel(ctx, args[0], reason, actor(a))
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	c.AddCommand(cancel)
	c.AddCommand(&cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.History(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	})
	return c
}

func instanceListCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListInstances(ctx, f, actor(a))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, in := range items {
					rows = append(rows, table.Row{in.ID, in.Title, in.EntityType + "/" + in.EntityID, in.Status, in.Outcome, in.CurrentStepNumber, in.StartedAt})
				}
				return printJSONOrTable(items, table.Row{"ID", "Title", "Entity", "Status", "Outcome", "Step", "Started"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max instances")
	return cmd
}

func stepCmd() *cobra.Command {
	c := &cobra.Command{Use: "step", Short: "Act on step executions"}
	c.AddCommand(&cobra.Command{
		Use:   "start <execution-id>",
		Short: "Claim an execution and mark it in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				x, err := a.Engine.StartExecution(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				return printJSON(x)
			})
		},
	})

	var in engine.DecideInput
	decide := &cobra.Command{
		Use:   "decide <execution-id>",
		Short: "Approve, reject, reopen or comment on an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ExecutionID = args[0]
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				in.Actor = actor(a)
				res, err := a.Engine.Decide(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	decide.Flags().StringVar(&in.Action, "action", "", "approve, reject, reopen or comment")
	decide.Flags().StringVar(&in.Reason, "reason", "", "decision reason or comment body")
	decide.Flags().BoolVar(&in.IsInternal, "internal", false, "mark a comment internal")
	_ = decide.MarkFlagRequired("action")
	c.AddCommand(decide)

	var toUser, toRole, reason string
	reassign := &cobra.Command{
		Use:   "reassign <execution-id>",
		Short: "Hand an open execution to another user or role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var to domain.Assignee
			switch {
			case toUser != "" && toRole != "":
				return errors.New("use one of --to-user or --to-role")
			case toUser != "":
				to = domain.Assignee{Type: domain.AssigneeUser, ID: toUser}
			case toRole != "":
				to = domain.Assignee{Type: domain.AssigneeRole, ID: toRole}
			default:
				return errors.New("--to-user or --to-role required")
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				x, err := a.Engine.Reassign(ctx, engine.ReassignInput{ExecutionID: args[0], To: to, Reason: reason, Actor: actor(a)})
				if err != nil {
					return err
				}
				return printJSON(x)
			})
		},
	}
	reassign.Flags().StringVar(&toUser, "to-user", "", "target user")
	reassign.Flags().StringVar(&toRole, "to-role", "", "target role")
	reassign.Flags().StringVar(&reason, "reason", "", "reassignment reason")
	c.AddCommand(reassign)

	c.AddCommand(&cobra.Command{
		Use:   "comments <execution-id>",
		Short: "List comments on an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListComments(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, cm := range items {
					rows = append(rows, table.Row{cm.CreatedAt, cm.AuthorID, cm.IsInternal, cm.Body})
				}
				return printJSONOrTable(items, table.Row{"At", "Author", "Internal", "Body"}, rows)
			})
		},
	})
	return c
}

func approvalCmd() *cobra.Command {
	c := &cobra.Command{Use: "approval", Short: "Ad-hoc approval requests and reviewer inbox"}

	var in engine.ApprovalRequestInput
	var snapshot string
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a single-step approval request for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := parseSnapshot(snapshot)
			if err != nil {
				return err
			}
			in.Snapshot = snap
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				in.Actor = actor(a)
				out, err := a.Engine.CreateApprovalRequest(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	create.Flags().StringVar(&in.EntityType, "entity-type", "", "entity type")
	create.Flags().StringVar(&in.EntityID, "entity-id", "", "entity id")
	create.Flags().StringVar(&in.EntityStatus, "entity-status", "", "entity status at request time")
	create.Flags().StringVar(&in.Title, "title", "", "request title")
	create.Flags().StringVar(&in.Description, "description", "", "request description")
	create.Flags().StringVar(&in.Priority, "priority", "", "low, normal, high or urgent")
	create.Flags().StringVar(&in.AssignedToUser, "user", "", "assigned user")
	create.Flags().StringVar(&in.AssignedToRole, "role", "", "assigned role")
	create.Flags().IntVar(&in.TimeoutHours, "timeout-hours", 0, "hours before the request times out")
	create.Flags().StringVar(&snapshot, "snapshot", "", "entity snapshot as JSON or @file")
	_ = create.MarkFlagRequired("entity-type")
	_ = create.MarkFlagRequired("entity-id")
	c.AddCommand(create)

	var q engine.ApprovalQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				q.Actor = actor(a)
				if q.AssignedToMe && q.Actor.UserID == engine.SystemActor {
					return errors.New("--mine needs --as <user>")
				}
				items, err := a.Engine.ListApprovals(ctx, q)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					assignee := r.AssignedToUser
					if assignee == "" {
						assignee = "role:" + r.AssignedToRole
					}
					rows = append(rows, table.Row{r.ID, r.Title, r.StepName, r.EntityType + "/" + r.EntityID, assignee, r.Status, deref(r.ExpiresAt)})
				}
				return printJSONOrTable(items, table.Row{"Execution", "Title", "Step", "Entity", "Assignee", "Status", "Expires"}, rows)
			})
		},
	}
	list.Flags().BoolVar(&q.AssignedToMe, "mine", false, "only requests the acting user may decide")
	list.Flags().StringVar(&q.Status, "status", "", "execution status filter")
	list.Flags().StringVar(&q.EntityType, "entity-type", "", "entity type filter")
	list.Flags().StringVar(&q.InstanceID, "instance", "", "instance filter")
	list.Flags().IntVar(&q.Limit, "limit", 50, "max requests")
	c.AddCommand(list)
	return c
}

func sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Time out and escalate overdue executions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SweepTimeouts(ctx, now)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "sweep as of this RFC3339 time")
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Event log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.ListEvents(ctx, f, actor(a))
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.InstanceID, "instance", "", "instance filter")
	tail.Flags().StringVar(&f.ExecutionID, "execution", "", "execution filter")
	c.AddCommand(tail)
	return c
}

func printEvents(evts []domain.Event) error {
	rows := make([]table.Row, 0, len(evts))
	for _, e := range evts {
		rows = append(rows, table.Row{e.ID, e.TS, e.Type, e.ActorID, e.ExecutionID, e.Payload})
	}
	return printJSONOrTable(evts, table.Row{"ID", "At", "Type", "Actor", "Execution", "Payload"}, rows)
}

func isNotFound(err error) bool {
	var nf engine.NotFoundError
	return errors.As(err, &nf) || errors.Is(err, repo.ErrNotFound)
}
