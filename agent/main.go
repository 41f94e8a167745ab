package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"collabcanvas/internal/client"
	"collabcanvas/internal/discovery"
	"collabcanvas/internal/logging"
)

func main() {
	var (
		relayURL        = flag.String("url", "", "relay base URL, e.g. ws://localhost:8081 (found over mDNS when empty)")
		canvasID        = flag.String("canvas", "", "canvas to join")
		userID          = flag.String("user", "", "participant id (random when empty)")
		userName        = flag.String("name", "", "display name")
		mdnsService     = flag.String("mdns-service", "_canvasrelay._tcp", "mDNS service to browse for")
		discoverTimeout = flag.Duration("discover-timeout", 5*time.Second, "how long to browse for a relay")
		maxElapsed      = flag.Duration("max-elapsed", 0, "give up reconnecting after this long (0 retries forever)")
		logLevel        = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logging.New(*logLevel, "text")
	if err != nil {
		logrus.Fatalf("Could not configure logging: %v", err)
	}
	if *canvasID == "" {
		log.Fatal("--canvas is required")
	}
	if *userID == "" {
		*userID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := *relayURL
	if base == "" {
		browseCtx, cancel := context.WithTimeout(ctx, *discoverTimeout)
		addr, err := discovery.Browse(browseCtx, *mdnsService)
		cancel()
		if err != nil {
			log.Fatalf("No relay found on the local network: %v", err)
		}
		log.WithField("addr", addr).Info("mDNS discovered relay")
		base = addr
	}

	c, err := client.New(client.Config{
		BaseURL:    base,
		CanvasID:   *canvasID,
		UserID:     *userID,
		UserName:   *userName,
		MaxElapsed: *maxElapsed,
	}, log)
	if err != nil {
		log.Fatal(err)
	}

	go readInput(c, log)

	err = c.Run(ctx, func(frame []byte) {
		fmt.Println(string(frame))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// readInput turns stdin lines into frames: "x y" moves the cursor, anything else
// is sent verbatim.
func readInput(c *client.Client, log logrus.FieldLogger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var err error
		if x, y, ok := parsePoint(line); ok {
			err = c.SendCursor(x, y)
		} else {
			err = c.Send([]byte(line))
		}
		if err != nil {
			log.WithError(err).Warn("frame not sent")
		}
	}
}

func parsePoint(line string) (float64, float64, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, false
	}
	x, errX := strconv.ParseFloat(fields[0], 64)
	y, errY := strconv.ParseFloat(fields[1], 64)
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}
