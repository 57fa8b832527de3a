package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/4citeB4U/familyreunion/internal/client"
	"github.com/4citeB4U/familyreunion/internal/config"
	"github.com/4citeB4U/familyreunion/internal/signaling"
	"github.com/4citeB4U/familyreunion/internal/ui"
)

var (
	flagServer   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagAutoCall bool
	flagName     string
	flagKind     string
)

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a room and stay in it",
	Long: `Create a new room on the relay and wait for family to join.

Examples:
  familyreunion create
  familyreunion create --kind audio --auto-call
  familyreunion create --server wss://relay.example.org/ws`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoom(cmd.Context(), func(ctx context.Context, c *client.Client) (signaling.RoomID, error) {
			room, err := c.CreateRoom(ctx, flagKind)
			if err != nil {
				return "", err
			}
			kind := flagKind
			if kind == "" {
				kind = signaling.DefaultRoomKind
			}
			ui.RenderRoom(string(room), kind)
			return room, nil
		})
	},
}

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join an existing room",
	Long: `Join a room by id and stay in it.

Examples:
  familyreunion join 6f1c2d0e-9a41-4d0b-8c3f-2a7e5b1d9c40
  familyreunion join cousin-oak-cheerful-42 --auto-call`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room := signaling.RoomID(args[0])
		return runRoom(cmd.Context(), func(ctx context.Context, c *client.Client) (signaling.RoomID, error) {
			members, err := c.JoinRoom(ctx, room)
			if err != nil {
				return "", err
			}
			ui.PrintSuccessf("Joined room %s with %d member(s)", room, len(members))
			return room, nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{createCmd, joinCmd} {
		cmd.Flags().StringVarP(&flagServer, "server", "s", "", "Relay websocket URL (env FR_SERVER)")
		cmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server URLs, comma separated (env STUN_SERVER)")
		cmd.Flags().StringVar(&flagTURN, "turn", "", "TURN server host or URL (env TURN_SERVER)")
		cmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username (env TURN_USERNAME)")
		cmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password (env TURN_PASSWORD)")
		cmd.Flags().BoolVar(&flagRelay, "relay", false, "Force TURN relay for all peer traffic")
		cmd.Flags().BoolVar(&flagAutoCall, "auto-call", false, "Call every member that joins")
		cmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name shown to peers (env FR_NAME)")
	}
	createCmd.Flags().StringVarP(&flagKind, "kind", "k", "", "Room kind (default video)")
}

// enterFunc puts a connected client into a room.
type enterFunc func(ctx context.Context, c *client.Client) (signaling.RoomID, error)

func runRoom(ctx context.Context, enter enterFunc) error {
	cfg, err := config.LoadClient(config.ClientOptions{
		ConfigFile: flagConfig,
		Server:     flagServer,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
		AutoCall:   flagAutoCall,
		Name:       flagName,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	c := client.New(client.Options{Config: cfg})
	defer c.Close()

	sp := ui.RunConnectionSpinner("Connecting to relay...")
	c.Start(ctx)
	select {
	case <-c.Connected:
		sp.Success("Connected to relay")
	case <-c.Done():
		sp.Error("Could not reach the relay")
		return c.Err()
	case <-ctx.Done():
		sp.Stop()
		return nil
	}

	room, err := enter(ctx, c)
	if err != nil {
		return err
	}

	ui.PrintInfo("Type to chat. /help lists commands.")
	return newSession(c, room).run(ctx, os.Stdin)
}
