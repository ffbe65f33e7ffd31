package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/instance"
	"github.com/Martian-dev/mailsync/internal/models"
)

// subscriptionManager is the part of the provisioner the instance commands use
type subscriptionManager interface {
	Provision(ctx context.Context, inst models.Instance) (*instance.ProvisionResult, error)
	Delete(ctx context.Context, inst models.Instance) error
	TestWebhook(ctx context.Context, inst models.Instance, emailAddress string) (*instance.WebhookTest, error)
}

type instanceRow struct {
	models.Instance
	Current bool `json:"current"`
}

type jsonAction struct {
	OK         bool   `json:"ok"`
	Action     string `json:"action"`
	InstanceID string `json:"instanceId"`
}

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Manage the per-instance Pub/Sub push subscriptions",
	}
	cmd.AddCommand(newInstancesListCmd())
	cmd.AddCommand(newInstancesProvisionCmd())
	cmd.AddCommand(newInstancesDeleteCmd())
	cmd.AddCommand(newInstancesTestCmd())
	return cmd
}

// instanceEnv loads the registry and, when needed, the provisioner
func instanceEnv(ctx context.Context, needProvisioner bool) (*instance.Registry, subscriptionManager, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, nil, err
	}
	if !needProvisioner {
		return reg, nil, nil
	}
	p, err := newProvisioner(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, errNoProvisioner
	}
	return reg, p, nil
}

// selectInstances returns one instance by id, or every active instance when id is empty
func selectInstances(reg *instance.Registry, id string) ([]models.Instance, error) {
	if id == "" {
		active := reg.Active()
		if len(active) == 0 {
			return nil, fmt.Errorf("no active instances configured")
		}
		return active, nil
	}
	inst, err := reg.Get(id)
	if err != nil {
		return nil, err
	}
	return []models.Instance{inst}, nil
}

func newInstancesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := instanceEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			return writeInstances(cmd.OutOrStdout(), reg)
		},
	}
}

func writeInstances(out io.Writer, reg *instance.Registry) error {
	var rows []instanceRow
	for _, inst := range reg.List() {
		rows = append(rows, instanceRow{Instance: inst, Current: inst.ID == reg.CurrentID()})
	}

	if jsonFlag {
		if rows == nil {
			rows = []instanceRow{}
		}
		return printJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No instances configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENVIRONMENT\tSUBSCRIPTION\tACTIVE\tWEBHOOK")
	for _, r := range rows {
		id := r.ID
		if r.Current {
			id += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", id, r.Environment, r.SubscriptionName, r.Active, r.WebhookURL)
	}
	return w.Flush()
}

func newInstancesProvisionCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create or update push subscriptions (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, p, err := instanceEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			return provisionInstances(cmd.Context(), cmd.OutOrStdout(), reg, p, id)
		},
	}
	cmd.Flags().StringVar(&id, "instance", "", "instance id (default all active instances)")
	return cmd
}

func provisionInstances(ctx context.Context, out io.Writer, reg *instance.Registry, p subscriptionManager, id string) error {
	targets, err := selectInstances(reg, id)
	if err != nil {
		return err
	}

	var results []*instance.ProvisionResult
	for _, inst := range targets {
		res, err := p.Provision(ctx, inst)
		if err != nil {
			return fmt.Errorf("instance %s: %w", inst.ID, err)
		}
		results = append(results, res)
		if !jsonFlag {
			fmt.Fprintf(out, "%s: subscription %s %s -> %s\n", inst.ID, res.Subscription, res.Action, res.PushEndpoint)
		}
	}
	if jsonFlag {
		return printJSON(out, results)
	}
	return nil
}

func newInstancesDeleteCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one instance's push subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, p, err := instanceEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			return deleteInstance(cmd.Context(), cmd.OutOrStdout(), reg, p, id)
		},
	}
	cmd.Flags().StringVar(&id, "instance", "", "instance id")
	cmd.MarkFlagRequired("instance")
	return cmd
}

func deleteInstance(ctx context.Context, out io.Writer, reg *instance.Registry, p subscriptionManager, id string) error {
	inst, err := reg.Get(id)
	if err != nil {
		return err
	}
	if err := p.Delete(ctx, inst); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if jsonFlag {
		return printJSON(out, jsonAction{OK: true, Action: "delete", InstanceID: inst.ID})
	}
	fmt.Fprintf(out, "Subscription %s deleted.\n", inst.SubscriptionName)
	return nil
}

func newInstancesTestCmd() *cobra.Command {
	var id, email string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Post a synthetic Gmail notification to instance webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, p, err := instanceEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			return testInstances(cmd.Context(), cmd.OutOrStdout(), reg, p, id, email)
		},
	}
	cmd.Flags().StringVar(&id, "instance", "", "instance id (default all active instances)")
	cmd.Flags().StringVar(&email, "email", "", "mailbox address carried by the notification")
	return cmd
}

func testInstances(ctx context.Context, out io.Writer, reg *instance.Registry, p subscriptionManager, id, email string) error {
	targets, err := selectInstances(reg, id)
	if err != nil {
		return err
	}

	var results []*instance.WebhookTest
	failed := 0
	for _, inst := range targets {
		addr := email
		if addr == "" {
			addr = "webhook-test@" + inst.ID + ".invalid"
		}
		res, err := p.TestWebhook(ctx, inst, addr)
		if err != nil {
			failed++
			if !jsonFlag {
				fmt.Fprintf(out, "%s: unreachable: %v\n", inst.ID, err)
			}
			continue
		}
		if res.StatusCode >= 400 {
			failed++
		}
		results = append(results, res)
		if !jsonFlag {
			fmt.Fprintf(out, "%s: %s answered %d in %s\n", inst.ID, res.URL, res.StatusCode, res.Latency)
		}
	}
	if jsonFlag {
		if err := printJSON(out, results); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d webhooks failed", failed, len(targets))
	}
	return nil
}
