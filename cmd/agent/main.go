package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Jelly-Party/jelly-party-next/cmd/config"
	"github.com/Jelly-Party/jelly-party-next/lib/cdppage"
	"github.com/Jelly-Party/jelly-party-next/lib/framerelay"
	"github.com/Jelly-Party/jelly-party-next/lib/locator"
	"github.com/Jelly-Party/jelly-party-next/lib/party"
	"github.com/Jelly-Party/jelly-party-next/lib/protocol"
	"github.com/Jelly-Party/jelly-party-next/lib/vsync"
)

const mainFrameID = "main"

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("agent configuration",
		"relayURL", config.RelayWSURL,
		"browserURL", config.BrowserWSURL,
	)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Page side: CDP session, element selection, sync controller.
	page := cdppage.New(cdppage.DefaultConfig(config.BrowserWSURL), slogger)
	go page.Run(ctx)

	loc := locator.New(page, slogger, locator.DefaultConfig())
	loc.Start(ctx)

	ctrl := vsync.New(loc, slogger, vsync.DefaultConfig())

	// Frame relay: the agent end sits with the controller, the coordinator
	// end fronts the party client. One frame here; iframes attach the same way.
	coordinator := framerelay.NewCoordinator(slogger)
	agentBus, coordBus := framerelay.NewPair(0)
	agent := framerelay.NewAgent(mainFrameID, ctrl, page, agentBus, slogger)
	coordinator.AttachFrame(ctx, mainFrameID, coordBus)
	go agent.Run(ctx)

	client := party.NewClient(party.DefaultConfig(config.RelayWSURL), slogger)
	defer client.Disconnect()
	client.SetCommandHandler(coordinator)
	coordinator.SetSink(client)

	partyID := config.PartyID
	if strings.Contains(partyID, "://") {
		link, err := party.ParseMagicLink(partyID)
		if err != nil {
			slogger.Error("failed to parse magic link", "err", err)
			os.Exit(1)
		}
		partyID = link.PartyID
	}
	if partyID == "" {
		partyID = party.NewPartyID()
		// The page may not have reported its URL yet; the link still works,
		// guests just land on the join page instead of the video.
		redirect := page.URL()
		if redirect == "" {
			redirect = config.JoinBaseURL
		}
		link, err := party.BuildMagicLink(config.JoinBaseURL, party.MagicLink{
			PartyID:     partyID,
			RedirectURL: redirect,
		})
		if err != nil {
			slogger.Error("failed to build magic link", "err", err)
			os.Exit(1)
		}
		slogger.Info("created new party", "partyID", partyID, "magicLink", link)
	}

	// An empty emoji is fine: the relay assigns a random one on join.
	err = client.Connect(ctx, partyID, protocol.ClientState{
		ClientName: config.ClientName,
		Emoji:      config.ClientEmoji,
	})
	if err != nil {
		slogger.Error("failed to join party", "partyID", partyID, "err", err)
		os.Exit(1)
	}
	slogger.Info("joined party", "partyID", partyID, "clientName", config.ClientName)

	<-ctx.Done()
	slogger.Info("shutdown signal received")
}
