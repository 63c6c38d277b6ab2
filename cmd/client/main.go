// Command client is a reference terminal client for the castroom
// relay: it joins a room, relays chat to and from stdin, and can
// negotiate a screen-share session with a placeholder video track.
// Real display capture belongs to the embedding UI; this binary
// exercises the signaling path.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ilyakh/castroom/internal/client"
	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
)

var (
	serverURL string
	roomID    string
	name      string
)

var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "Join a castroom room from the terminal",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&serverURL, "server", "s", "ws://localhost:8080/api/ws/signal", "relay signaling endpoint")
	rootCmd.Flags().StringVarP(&roomID, "room", "r", "", "room to join")
	rootCmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	_ = rootCmd.MarkFlagRequired("room")
	_ = rootCmd.MarkFlagRequired("name")
	rootCmd.SilenceUsage = true
}

// placeholderCapture registers a VP8 track without a real frame
// source. Negotiation runs end to end; embedders push samples from an
// actual capture pipeline instead.
func placeholderCapture(ctx context.Context) ([]webrtc.TrackLocal, func(), error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", "castroom",
	)
	if err != nil {
		return nil, nil, err
	}
	return []webrtc.TrackLocal{track}, func() {}, nil
}

func run(cmd *cobra.Command, args []string) error {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	conn, err := client.Dial(ctx, serverURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	defer conn.Close()

	c := client.New(conn, client.Options{
		Capture: placeholderCapture,
		OnRemoteTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			pterm.Info.Printfln("remote track: %s (%s)", track.ID(), track.Codec().MimeType)
		},
	})

	sub := c.Subscribe(client.Events{
		OnRoomMembersChanged: func(room string, members []domain.Member) {
			names := make([]string, 0, len(members))
			for _, m := range members {
				names = append(names, m.Name)
			}
			pterm.Info.Printfln("room %s: %s", room, strings.Join(names, ", "))
		},
		OnChatReceived: func(_, from, text string) {
			pterm.Println(pterm.Cyan(from+": ") + text)
		},
		OnNegotiationEvent: func(peer string, state core.NegotiationState, _ string) {
			pterm.Info.Printfln("negotiation with %s: %s", peer, state)
		},
		OnError: func(kind, detail string) {
			pterm.Warning.Printfln("%s: %s", kind, detail)
		},
	})
	defer sub.Close()

	if err := c.Join(roomID, name); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	pterm.Info.Println("commands: /share, /stop, /quit — anything else is chat")
	go readStdin(ctx, c, cancel)

	err = <-runErr
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func readStdin(ctx context.Context, c *client.Core, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			_ = c.Leave()
			cancel()
			return
		case line == "/share":
			if err := c.StartShare(ctx); err != nil {
				pterm.Warning.Printfln("share: %v", err)
			}
		case line == "/stop":
			c.StopShare()
		default:
			if err := c.SendChat(line); err != nil {
				pterm.Warning.Printfln("chat: %v", err)
			}
		}
	}
	cancel()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
