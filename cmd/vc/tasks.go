package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"valeconecta/internal/app"
	"valeconecta/internal/domain"
	"valeconecta/internal/engine"
	"valeconecta/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage service requests"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskTransitionCmd("start", "Start the service (assigned professional)", func(ctx context.Context, e engine.Engine, c domain.Caller, id, _ string) (domain.Task, error) {
		return e.StartService(ctx, c, id)
	}))
	task.AddCommand(taskTransitionCmd("finish", "Mark the service finished (assigned professional)", func(ctx context.Context, e engine.Engine, c domain.Caller, id, _ string) (domain.Task, error) {
		return e.FinishService(ctx, c, id)
	}))
	task.AddCommand(taskTransitionCmd("confirm", "Confirm completion and release the payment (client)", func(ctx context.Context, e engine.Engine, c domain.Caller, id, _ string) (domain.Task, error) {
		return e.ConfirmCompletion(ctx, c, id)
	}))
	task.AddCommand(taskTransitionCmd("dispute", "Open a dispute and freeze the payment", func(ctx context.Context, e engine.Engine, c domain.Caller, id, reason string) (domain.Task, error) {
		return e.OpenDispute(ctx, c, id, reason)
	}))
	task.AddCommand(taskTransitionCmd("cancel", "Cancel the request", func(ctx context.Context, e engine.Engine, c domain.Caller, id, reason string) (domain.Task, error) {
		return e.CancelTask(ctx, c, id, reason)
	}))
	task.AddCommand(taskResolveCmd())
	task.AddCommand(taskRateCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a service request (client)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				if opts.Category == "" && opts.Description != "" {
					opts.Category = e.SuggestCategory(ctx, opts.Title+" "+opts.Description).Category
				}
				t, err := e.CreateTask(ctx, c, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category (suggested from the description when empty)")
	cmd.Flags().StringVar(&opts.Address, "address", "", "service address")
	cmd.Flags().StringVar(&opts.ScheduledAt, "scheduled-at", "", "desired date, RFC3339")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks visible to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				tasks, err := e.ListTasks(ctx, c, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Category", "Client", "Professional", "Price"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, domain.StatusLabel(t.Status), t.Category, t.ClientID, deref(t.ProfessionalID), brl(t.PriceCents)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (canonical name or pt-BR label)")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.ClientID, "client-id", "", "client filter (admin)")
	cmd.Flags().StringVar(&f.ProfessionalID, "professional-id", "", "professional filter (admin)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				t, err := e.Task(ctx, c, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

type transitionFunc func(ctx context.Context, e engine.Engine, c domain.Caller, taskID, reason string) (domain.Task, error)

func taskTransitionCmd(use, short string, fn transitionFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				t, err := fn(ctx, e, c, args[0], reason)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	if use == "dispute" || use == "cancel" {
		cmd.Flags().StringVar(&reason, "reason", "", "reason shown in the chat")
	}
	return cmd
}

func taskResolveCmd() *cobra.Command {
	var outcome, note string
	cmd := &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Resolve a dispute by releasing or refunding the payment (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := engine.ParseResolution(outcome)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				t, err := e.ResolveDispute(ctx, c, args[0], res, note)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "release or refund")
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func taskRateCmd() *cobra.Command {
	var stars int
	var comment string
	cmd := &cobra.Command{
		Use:   "rate <task-id>",
		Short: "Rate the professional after confirming (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				res, err := e.SubmitRating(ctx, c, args[0], stars, comment)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Avaliação registrada: %d estrelas para %s\n", res.Review.Rating, res.Review.ProfessionalID)
				fmt.Printf("Nota média: %.2f (%d avaliações)\n", res.Reputation.Rating, res.Reputation.ReviewCount)
				for _, n := range res.Notifications {
					fmt.Println(n.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&stars, "stars", 0, "rating from 1 to 5")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("stars")
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{Use: "proposal", Short: "Quote and accept proposals"}
	prop.AddCommand(proposalSubmitCmd())
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalAcceptCmd())
	return prop
}

func proposalSubmitCmd() *cobra.Command {
	var opts engine.ProposalOptions
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Quote a price for a task (professional)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				p, err := e.SubmitProposal(ctx, c, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrPretty(p)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.PriceCents, "price-cents", 0, "service price in centavos")
	cmd.Flags().Int64Var(&opts.MaterialsCents, "materials-cents", 0, "materials in centavos")
	cmd.Flags().StringVar(&opts.Message, "message", "", "message to the client")
	_ = cmd.MarkFlagRequired("price-cents")
	return cmd
}

func proposalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's proposals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				items, err := e.Proposals(ctx, c, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Professional", "Price", "Materials", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ProfessionalID, domain.FormatBRL(p.PriceCents), domain.FormatBRL(p.MaterialsCents), p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func proposalAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <task-id> <proposal-id>",
		Short: "Accept a proposal and hold the payment (client)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				t, err := e.AcceptProposal(ctx, c, args[0], args[1])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func chatCmd() *cobra.Command {
	chat := &cobra.Command{Use: "chat", Short: "Task chat"}
	chat.AddCommand(chatSendCmd())
	chat.AddCommand(chatListCmd())
	chat.AddCommand(&cobra.Command{
		Use:   "support <task-id>",
		Short: "Bring the support team into the chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				t, err := e.ContactSupport(ctx, c, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	})
	return chat
}

func chatSendCmd() *cobra.Command {
	var text, attachment string
	cmd := &cobra.Command{
		Use:   "send <task-id>",
		Short: "Post a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				m, err := e.SendMessage(ctx, c, args[0], text, attachment)
				if err != nil {
					return err
				}
				return printJSONOrPretty(m)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().StringVar(&attachment, "attachment-url", "", "attachment URL")
	return cmd
}

func chatListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id>",
		Short: "Show the chat thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				msgs, err := e.Messages(ctx, c, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				for _, m := range msgs {
					sender := m.SenderID
					switch sender {
					case domain.SystemSenderID:
						sender = "sistema"
					case domain.SupportSenderID:
						sender = "suporte"
					}
					line := m.Text
					if m.AttachmentURL != "" {
						line = strings.TrimSpace(line + " " + m.AttachmentURL)
					}
					fmt.Printf("[%s] %s: %s\n", m.CreatedAt, sender, line)
				}
				return nil
			})
		},
	}
}

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escrow", Short: "Held payments"}
	esc.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task's escrow entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				entry, err := e.Ledger(ctx, c, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entry)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"State", entry.State},
					{"Held", domain.FormatBRL(entry.HeldCents)},
					{"Released", domain.FormatBRL(entry.ReleasedCents)},
					{"Refunded", domain.FormatBRL(entry.RefundedCents)},
					{"Fee", domain.FormatBRL(entry.FeeCents)},
					{"Payout", domain.FormatBRL(entry.PayoutCents())},
					{"Release due", deref(entry.ReleaseDueAt)},
				})
				tw.Render()
				return nil
			})
		},
	})
	var batch int
	due := &cobra.Command{
		Use:   "release-due",
		Short: "Release held payments whose payout date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ReleaseDuePayouts(ctx, batch)
				if err != nil {
					return err
				}
				fmt.Printf("released %d payout(s)\n", n)
				return nil
			})
		},
	}
	due.Flags().IntVar(&batch, "batch", 100, "max payouts per run")
	esc.AddCommand(due)
	return esc
}

func proCmd() *cobra.Command {
	pro := &cobra.Command{Use: "pro", Short: "Professional reputation"}
	pro.AddCommand(&cobra.Command{
		Use:   "reputation <professional-id>",
		Short: "Show rating, counts and badges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Caller) error {
				rep, err := e.ProfessionalReputation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrPretty(rep)
			})
		},
	})
	var limit int
	reviews := &cobra.Command{
		Use:   "reviews <professional-id>",
		Short: "List recent reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Caller) error {
				items, err := e.Reviews(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Client", "Stars", "Comment", "At"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.TaskID, r.ClientID, strings.Repeat("★", r.Rating), r.Comment, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	reviews.Flags().IntVar(&limit, "limit", 20, "max reviews")
	pro.AddCommand(reviews)
	pro.AddCommand(&cobra.Command{
		Use:   "grant-badge <professional-id> <badge-id>",
		Short: "Grant a manually awarded badge (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				rep, err := e.GrantBadge(ctx, c, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrPretty(rep)
			})
		},
	})
	return pro
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>",
		Short: "Suggest a category for a service description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrPretty(a.Engine.SuggestCategory(ctx, strings.Join(args, " ")))
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.StatusCounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{domain.StatusLabel(s), counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Caller) error {
				events, err := e.AuditLog(ctx, c, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Title", t.Title},
		{"Status", fmt.Sprintf("%s (%s)", domain.StatusLabel(t.Status), t.Status)},
		{"Category", t.Category},
		{"Client", t.ClientID},
		{"Professional", deref(t.ProfessionalID)},
		{"Price", brl(t.PriceCents)},
		{"Materials", domain.FormatBRL(t.MaterialsCents)},
		{"Next", strings.Join(statusNames(engine.Next(t.Status)), ", ")},
	})
	if t.DisputeReason != "" {
		tw.AppendRow(table.Row{"Dispute", t.DisputeReason})
	}
	tw.Render()
	return nil
}

func statusNames(in []domain.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
