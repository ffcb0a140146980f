package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	. "matchcore/internal/common"
	"matchcore/internal/logging"
	ordernet "matchcore/internal/net"

	"github.com/rs/zerolog/log"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange server")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel']")

	// Order Parameters
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: 'limit' or 'market'")
	price := flag.String("price", "100", "Limit price, as a decimal string")
	qtyStr := flag.String("qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")

	// Cancel Parameters
	id := flag.String("id", "", "Id of the order to cancel")

	wait := flag.Duration("wait", 0, "Stop listening for reports after this long (0 waits for Ctrl+C)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := logging.Setup(*logLevel, logging.FormatConsole); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if *wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *wait)
		defer cancel()
	}

	client, err := ordernet.Dial(ctx, *serverAddr)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverAddr).Msg("failed to connect to server")
	}
	defer client.Close()
	log.Info().Str("server", *serverAddr).Msg("connected")

	// Start listening for reports before sending anything.
	go readReports(client)

	switch strings.ToLower(*action) {
	case "place":
		side, err := ParseSide(*sideStr)
		if err != nil {
			log.Fatal().Err(err).Msg("bad -side")
		}
		orderType, err := ParseOrderType(*typeStr)
		if err != nil {
			log.Fatal().Err(err).Msg("bad -type")
		}
		for _, q := range parseQuantities(*qtyStr) {
			if err := client.PlaceOrder(orderType, side, *price, q); err != nil {
				log.Error().Err(err).Int64("qty", q).Msg("failed to place order")
				continue
			}
			log.Info().
				Stringer("side", side).
				Int64("qty", q).
				Str("price", *price).
				Msg("sent order")
		}

	case "cancel":
		if *id == "" {
			log.Fatal().Msg("-id is required for cancellation")
		}
		if err := client.Cancel(*id); err != nil {
			log.Error().Err(err).Msg("failed to send cancel request")
		} else {
			log.Info().Str("id", *id).Msg("sent cancel request")
		}

	default:
		log.Fatal().Str("action", *action).Msg("unknown action")
	}

	// Keep the client alive to receive execution reports.
	log.Info().Msg("listening for reports, press Ctrl+C to exit")
	<-ctx.Done()
}

// parseQuantities splits a comma-separated string into quantities. Values
// that do not parse are skipped; signs are passed through for the server to
// judge.
func parseQuantities(input string) []int64 {
	var result []int64
	for _, p := range strings.Split(input, ",") {
		p = strings.TrimSpace(p)
		val, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			log.Warn().Str("qty", p).Msg("invalid quantity, skipping")
			continue
		}
		result = append(result, val)
	}
	return result
}

// readReports prints every report until the connection closes.
func readReports(client *ordernet.Client) {
	for {
		report, err := client.ReadReport(0)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().Err(err).Msg("connection lost")
			}
			os.Exit(0)
		}

		if report.MessageType == ordernet.RejectReport {
			log.Warn().Str("id", report.OrderID).Str("reason", report.Err).Msg("rejected")
			continue
		}

		event := log.Info().
			Stringer("report", report.MessageType).
			Str("id", report.OrderID).
			Stringer("side", report.Side)
		if report.MessageType == ordernet.ExecutionReport {
			event = event.
				Int64("qty", report.Quantity).
				Str("price", report.Price).
				Str("counterparty", report.Counterparty)
		} else {
			event = event.
				Stringer("status", report.Status).
				Int64("filled", report.Quantity).
				Int64("remaining", report.Remaining)
		}
		event.Msg("report")
	}
}
