package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"careops/internal/app"
	"careops/internal/domain"
	"careops/internal/engine"
	"careops/internal/repo"
)

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{
		Use:   "workspace",
		Short: "Manage workspaces",
	}
	ws.AddCommand(workspaceCreateCmd(), workspaceListCmd(), workspaceAddMemberCmd(), workspaceMembersCmd())
	return ws
}

func workspaceCreateCmd() *cobra.Command {
	var opts engine.WorkspaceCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace owned by --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID()
				ws, err := e.CreateWorkspace(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "workspace name")
	cmd.Flags().StringVar(&opts.Timezone, "timezone", "", "IANA timezone (default workspace.timezone)")
	cmd.Flags().StringVar(&opts.ContactEmail, "contact-email", "", "business contact email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkspaces(ctx, false)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, w := range items {
					rows = append(rows, table.Row{w.ID, w.Slug, w.Name, w.Timezone, w.IsActive})
				}
				return printRows(items, table.Row{"ID", "Slug", "Name", "Timezone", "Active"}, rows)
			})
		},
	}
}

func workspaceAddMemberCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "add-member",
		Short: "Grant a role in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				return e.AddMember(ctx, ws.ID, target, role, actorID())
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id to grant")
	cmd.Flags().StringVar(&role, "role", "", "role id (owner, staff, viewer)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func workspaceMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List workspace members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				items, err := e.Repo.ListMembers(ctx, ws.ID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.ActorID, m.RoleID})
				}
				return printRows(items, table.Row{"Actor", "Role"}, rows)
			})
		},
	}
}

func contactCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts",
	}
	var opts engine.ContactCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a contact (raises contact_created)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				opts.WorkspaceID = ws.ID
				opts.ActorID = actorID()
				contact, err := e.CreateContact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(contact)
			})
		},
	}
	create.Flags().StringVar(&opts.FullName, "name", "", "full name")
	create.Flags().StringVar(&opts.Email, "email", "", "email address")
	create.Flags().StringVar(&opts.Phone, "phone", "", "phone number")
	create.Flags().StringVar(&opts.PreferredChannel, "channel", "", "preferred channel (email or sms)")
	_ = create.MarkFlagRequired("name")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				items, err := e.Repo.ListContacts(ctx, ws.ID, limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ct := range items {
					rows = append(rows, table.Row{ct.ID, ct.FullName, ct.Email, ct.Phone, ct.PreferredChannel})
				}
				return printRows(items, table.Row{"ID", "Name", "Email", "Phone", "Channel"}, rows)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max contacts")
	c.AddCommand(create, list)
	return c
}

func serviceCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "service",
		Short: "Manage bookable services",
	}
	var opts engine.ServiceCreateOptions
	var windows []string
	create := &cobra.Command{
		Use:     "create",
		Short:   "Create a service",
		Example: `careops service create --name Massage --duration 60 --window monday=09:00-12:00 --window monday=14:00-17:00`,
		RunE: func(cmd *cobra.Command, args []string) error {
			avail, err := parseWindows(windows)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				opts.WorkspaceID = ws.ID
				opts.Availability = avail
				opts.ActorID = actorID()
				svc, err := e.CreateService(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(svc)
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "service name")
	create.Flags().StringVar(&opts.Description, "description", "", "description")
	create.Flags().IntVar(&opts.DurationMinutes, "duration", 30, "duration in minutes")
	create.Flags().StringVar(&opts.Location, "location", "", "location")
	create.Flags().StringArrayVar(&windows, "window", nil, "weekday=HH:MM-HH:MM, repeatable")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				items, err := e.Repo.ListServices(ctx, ws.ID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, svc := range items {
					rows = append(rows, table.Row{svc.ID, svc.Name, svc.DurationMinutes, svc.Location, svc.IsActive})
				}
				return printRows(items, table.Row{"ID", "Name", "Minutes", "Location", "Active"}, rows)
			})
		},
	}
	s.AddCommand(create, list)
	return s
}

func parseWindows(raw []string) (domain.Availability, error) {
	avail := domain.Availability{}
	for _, w := range raw {
		day, window, ok := strings.Cut(w, "=")
		if !ok {
			return nil, fmt.Errorf("window %q: expected weekday=HH:MM-HH:MM", w)
		}
		day = strings.ToLower(strings.TrimSpace(day))
		avail[day] = append(avail[day], strings.TrimSpace(window))
	}
	return avail, nil
}

func availabilityCmd() *cobra.Command {
	var serviceID, date string
	cmd := &cobra.Command{
		Use:   "availability",
		Short: "List open slots of a service on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				slots, err := e.AvailableSlots(ctx, ws.ID, serviceID, date)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(slots))
				for _, s := range slots {
					rows = append(rows, table.Row{date, s})
				}
				return printRows(slots, table.Row{"Date", "Start"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&serviceID, "service", "", "service id")
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func bookingCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "booking",
		Short: "Manage bookings",
		Long:  "Bookings move pending -> confirmed -> completed/no_show; pending and confirmed bookings can be cancelled.",
	}
	var opts engine.BookingCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Book a service for a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				opts.WorkspaceID = ws.ID
				opts.ActorID = actorID()
				booking, err := e.CreateBooking(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(booking)
			})
		},
	}
	create.Flags().StringVar(&opts.ServiceID, "service", "", "service id")
	create.Flags().StringVar(&opts.ContactID, "contact", "", "contact id")
	create.Flags().StringVar(&opts.Date, "date", "", "date (YYYY-MM-DD)")
	create.Flags().StringVar(&opts.Time, "time", "", "start time (HH:MM)")
	create.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	create.Flags().StringVar(&opts.Status, "status", "", "initial status (pending or confirmed)")
	for _, f := range []string{"service", "contact", "date", "time"} {
		_ = create.MarkFlagRequired(f)
	}

	var date, statuses string
	list := &cobra.Command{
		Use:   "list",
		Short: "List bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				var filter []string
				if statuses != "" {
					filter = strings.Split(statuses, ",")
				}
				items, err := e.ListBookings(ctx, ws.ID, date, filter)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, bk := range items {
					rows = append(rows, table.Row{bk.ID, bk.Date, bk.Time, bk.Status, bk.ServiceID, bk.ContactID})
				}
				return printRows(items, table.Row{"ID", "Date", "Time", "Status", "Service", "Contact"}, rows)
			})
		},
	}
	list.Flags().StringVar(&date, "date", "", "date filter")
	list.Flags().StringVar(&statuses, "status", "", "comma separated status filter")

	status := &cobra.Command{
		Use:   "status <booking-id> <status>",
		Short: "Change booking status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				booking, err := e.UpdateBookingStatus(ctx, ws.ID, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(booking)
			})
		},
	}
	b.AddCommand(create, list, status)
	return b
}

func formCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "form",
		Short: "Manage booking intake forms",
	}
	var opts engine.FormAssignOptions
	assign := &cobra.Command{
		Use:   "assign",
		Short: "Assign a form to a booking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				opts.WorkspaceID = ws.ID
				opts.ActorID = actorID()
				form, err := e.AssignForm(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(form)
			})
		},
	}
	assign.Flags().StringVar(&opts.BookingID, "booking", "", "booking id")
	assign.Flags().StringVar(&opts.FormName, "name", "", "form name")
	assign.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	for _, name := range []string{"booking", "name", "due"} {
		_ = assign.MarkFlagRequired(name)
	}
	complete := &cobra.Command{
		Use:   "complete <form-id>",
		Short: "Mark a form completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				return e.CompleteForm(ctx, ws.ID, args[0], actorID())
			})
		},
	}
	f.AddCommand(assign, complete)
	return f
}

func ruleCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
		Long: `A rule runs one action when its event happens in the workspace.
Events: contact_created, booking_created, booking_confirmed, booking_cancelled.
Actions: send_email, send_sms, create_alert, schedule_reminder, send_booking_confirmation, send_booking_forms, reserve_inventory.`,
	}
	var opts engine.RuleCreateOptions
	var rawConfig string
	var disabled bool
	create := &cobra.Command{
		Use:     "create",
		Short:   "Create a rule",
		Example: `careops rule create --name "Remind" --event booking_confirmed --action schedule_reminder --config '{"hours_before":24}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rawConfig != "" {
				if err := json.Unmarshal([]byte(rawConfig), &opts.Config); err != nil {
					return fmt.Errorf("--config: %w", err)
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				opts.WorkspaceID = ws.ID
				opts.Inactive = disabled
				opts.ActorID = actorID()
				rule, err := e.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "rule name")
	create.Flags().StringVar(&opts.EventType, "event", "", "trigger event")
	create.Flags().StringVar(&opts.ActionType, "action", "", "action type")
	create.Flags().StringVar(&rawConfig, "config", "", "action config as JSON")
	create.Flags().BoolVar(&disabled, "disabled", false, "create the rule inactive")
	for _, name := range []string{"name", "event", "action"} {
		_ = create.MarkFlagRequired(name)
	}

	var eventType string
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				items, err := e.ListRules(ctx, ws.ID, eventType)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, rule := range items {
					rows = append(rows, table.Row{rule.ID, rule.Name, rule.EventType, rule.ActionType, rule.IsActive, rule.ExecutionCount, deref(rule.LastExecutedAt)})
				}
				return printRows(items, table.Row{"ID", "Name", "Event", "Action", "Active", "Runs", "Last run"}, rows)
			})
		},
	}
	list.Flags().StringVar(&eventType, "event", "", "event filter")

	toggle := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <rule-id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
					rule, err := e.UpdateRule(ctx, engine.RuleUpdateOptions{WorkspaceID: ws.ID, ID: args[0], IsActive: &active, ActorID: actorID()})
					if err != nil {
						return err
					}
					return printJSONOrTable(rule)
				})
			},
		}
	}
	del := &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				return e.DeleteRule(ctx, ws.ID, args[0], actorID())
			})
		},
	}
	r.AddCommand(create, list, toggle("enable", true), toggle("disable", false), del)
	return r
}

func alertCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "alert",
		Short: "Review operational alerts",
	}
	var f repo.AlertFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, most severe first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				f.WorkspaceID = ws.ID
				items, err := e.ListAlerts(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, al := range items {
					rows = append(rows, table.Row{al.ID, al.Severity, al.Type, al.Status, al.Title, al.CreatedAt})
				}
				return printRows(items, table.Row{"ID", "Severity", "Type", "Status", "Title", "Created"}, rows)
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "active (default), dismissed, resolved or all")
	list.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	list.Flags().StringVar(&f.Type, "type", "", "alert type filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max alerts")

	closeCmd := func(use string, fn func(engine.Engine) func(context.Context, string, string, string) (domain.Alert, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <alert-id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " an active alert",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
					alert, err := fn(e)(ctx, ws.ID, args[0], actorID())
					if err != nil {
						return err
					}
					return printJSONOrTable(alert)
				})
			},
		}
	}
	a.AddCommand(list,
		closeCmd("dismiss", func(e engine.Engine) func(context.Context, string, string, string) (domain.Alert, error) {
			return e.DismissAlert
		}),
		closeCmd("resolve", func(e engine.Engine) func(context.Context, string, string, string) (domain.Alert, error) {
			return e.ResolveAlert
		}),
	)
	return a
}

func inventoryCmd() *cobra.Command {
	inv := &cobra.Command{
		Use:   "inventory",
		Short: "Manage stock",
	}
	var opts engine.InventoryItemCreateOptions
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an inventory item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				opts.WorkspaceID = ws.ID
				opts.ActorID = actorID()
				item, err := e.CreateInventoryItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	add.Flags().StringVar(&opts.Name, "name", "", "item name")
	add.Flags().IntVar(&opts.Quantity, "quantity", 0, "starting quantity")
	add.Flags().IntVar(&opts.LowStockThreshold, "threshold", 0, "low stock threshold")
	add.Flags().StringVar(&opts.Unit, "unit", "", "unit label")
	add.Flags().IntVar(&opts.UsagePerBooking, "usage", 0, "units reserved per booking")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				items, err := e.ListInventory(ctx, ws.ID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					low := ""
					if it.Quantity <= it.LowStockThreshold {
						low = "LOW"
					}
					rows = append(rows, table.Row{it.ID, it.Name, it.Quantity, it.LowStockThreshold, it.Unit, it.UsagePerBooking, low})
				}
				return printRows(items, table.Row{"ID", "Name", "Qty", "Threshold", "Unit", "Per booking", ""}, rows)
			})
		},
	}

	var delta int
	adjust := &cobra.Command{
		Use:   "adjust <item-id>",
		Short: "Apply a signed stock delta",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				item, err := e.AdjustInventory(ctx, ws.ID, args[0], delta, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	adjust.Flags().IntVar(&delta, "delta", 0, "quantity change, negative to consume")
	_ = adjust.MarkFlagRequired("delta")
	inv.AddCommand(add, list, adjust)
	return inv
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Inspect the background task queue",
	}
	var f repo.TaskFilters
	var allWorkspaces bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if ref := viper.GetString("workspace-id"); ref != "" && !allWorkspaces {
					ws, err := app.ResolveWorkspace(ctx, e.Repo, ref)
					if err != nil {
						return err
					}
					f.WorkspaceID = ws.ID
				}
				items, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, task := range items {
					rows = append(rows, table.Row{task.ID, task.Action, task.Status, task.Attempts, task.NotBefore, deref(task.LastError)})
				}
				return printRows(items, table.Row{"ID", "Action", "Status", "Attempts", "Not before", "Last error"}, rows)
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Action, "action", "", "action filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	list.Flags().BoolVar(&allWorkspaces, "all", false, "ignore --workspace-id")
	t.AddCommand(list)
	return t
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "event",
		Short: "Raise domain events",
	}
	var evtType, rawData string
	trigger := &cobra.Command{
		Use:   "trigger",
		Short: "Raise an event by hand so matching rules run",
		RunE: func(cmd *cobra.Command, args []string) error {
			data := map[string]any{}
			if rawData != "" {
				if err := json.Unmarshal([]byte(rawData), &data); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				if err := e.RaiseEvent(ctx, ws.ID, evtType, data, actorID()); err != nil {
					return err
				}
				fmt.Printf("%s raised in %s\n", evtType, ws.Slug)
				return nil
			})
		},
	}
	trigger.Flags().StringVar(&evtType, "type", "", "event type")
	trigger.Flags().StringVar(&rawData, "data", "", "event data as JSON")
	_ = trigger.MarkFlagRequired("type")
	ev.AddCommand(trigger)
	return ev
}

func messageCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "message",
		Short: "Review sent notifications",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notification attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				items, err := e.Repo.ListMessages(ctx, ws.ID, limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, msg := range items {
					rows = append(rows, table.Row{msg.CreatedAt, msg.Channel, msg.Recipient, msg.Template, msg.Status, deref(msg.Error)})
				}
				return printRows(items, table.Row{"At", "Channel", "To", "Template", "Status", "Error"}, rows)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max messages")
	m.AddCommand(list)
	return m
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that changed: bookings, rules, alerts, stock and access keys.",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine, ws domain.Workspace) error {
				f.WorkspaceID = ws.ID
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, evt := range items {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID})
				}
				return printRows(items, table.Row{"ID", "At", "Type", "Kind", "Entity", "Actor"}, rows)
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	log.AddCommand(tail)
	return log
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for --actor-id; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, key := range items {
					rows = append(rows, table.Row{key.ID, key.Name, key.CreatedAt})
				}
				return printRows(items, table.Row{"ID", "Name", "Created"}, rows)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}
