package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/config"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/store"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/kv"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Manage downstream broker configurations",
}

func init() {
	rootCmd.AddCommand(brokerCmd)
	brokerCmd.AddCommand(brokerAddCmd, brokerListCmd, brokerRemoveCmd, brokerEnableCmd, brokerDisableCmd)

	brokerAddCmd.Flags().String("address", "", "broker host")
	brokerAddCmd.Flags().Int("port", 1883, "broker port")
	brokerAddCmd.Flags().String("username", "", "broker username")
	brokerAddCmd.Flags().String("password", "", "broker password")
	brokerAddCmd.Flags().Bool("bidirectional", false, "mirror this broker's publications back to the upstream broker")
	brokerAddCmd.Flags().StringSlice("topics", nil, "publish-side topic filters (default: all)")
	brokerAddCmd.Flags().Bool("tls", false, "use TLS")
	brokerAddCmd.MarkFlagRequired("address")
}

var brokerAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add (or replace) a broker configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		address, _ := cmd.Flags().GetString("address")
		port, _ := cmd.Flags().GetInt("port")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		bidirectional, _ := cmd.Flags().GetBool("bidirectional")
		topics, _ := cmd.Flags().GetStringSlice("topics")
		useTLS, _ := cmd.Flags().GetBool("tls")

		cfg := proxy.BrokerConfig{
			ID:             args[0],
			Address:        address,
			Port:           port,
			ClientIDPrefix: args[0],
			Username:       username,
			Password:       password,
			Enabled:        true,
			UseTLS:         useTLS,
			Bidirectional:  bidirectional,
			Topics:         topics,
		}
		if err := s.Put(context.Background(), cfg); err != nil {
			return err
		}
		fmt.Printf("broker %q saved (restart or reload mqttrelay to apply)\n", args[0])
		return nil
	},
}

var brokerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured brokers",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		cfgs, err := s.List(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(renderBrokerTable(cfgs))
		return nil
	},
}

var brokerRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a broker configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()
		return s.Delete(context.Background(), args[0])
	},
}

var brokerEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a broker",
	Args:  cobra.ExactArgs(1),
	RunE:  setBrokerEnabled(true),
}

var brokerDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a broker",
	Args:  cobra.ExactArgs(1),
	RunE:  setBrokerEnabled(false),
}

func setBrokerEnabled(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		cfg, err := s.Get(ctx, args[0])
		if err != nil {
			return err
		}
		cfg.Enabled = enabled
		return s.Put(ctx, cfg)
	}
}

func openStore() (*store.Store, func(), error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, nil, err
	}
	key, err := hex.DecodeString(cfg.EncryptionKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode encryption_key_hex: %w", err)
	}
	badger, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir})
	if err != nil {
		return nil, nil, fmt.Errorf("open broker store: %w", err)
	}
	s, err := store.New(badger, key)
	if err != nil {
		_ = badger.Close()
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

func renderBrokerTable(cfgs []proxy.BrokerConfig) string {
	if len(cfgs) == 0 {
		return dimStyle.Render("(no brokers configured)")
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-16s %-24s %-8s %-8s %-8s", "ID", "ADDRESS", "ENABLED", "TLS", "BIDIR")))
	b.WriteString("\n")
	for _, c := range cfgs {
		b.WriteString(fmt.Sprintf("%-16s %-24s %-8v %-8v %-8v\n", c.ID, c.Endpoint(), c.Enabled, c.UseTLS, c.Bidirectional))
	}
	return b.String()
}
