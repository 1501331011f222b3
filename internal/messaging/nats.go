package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// StreamTasks is the JetStream stream holding deployment tasks.
	StreamTasks = "SITEFLEET_TASKS"
	// SubjectTasks matches every task subject.
	SubjectTasks = "sitefleet.tasks.>"
	// QueueTaskWorkers is the queue group and durable name of task consumers.
	QueueTaskWorkers = "sitefleet-task-workers"
	// DuplicateWindow is how long the stream remembers message ids.
	DuplicateWindow = 10 * time.Minute
)

// SubjectTaskSite returns the subject tasks for one site are published on.
func SubjectTaskSite(siteID uint) string {
	return "sitefleet.tasks.site." + strconv.FormatUint(uint64(siteID), 10)
}

// StartEmbedded runs a NATS server with JetStream enabled. addr is host:port;
// an empty addr listens on a random loopback port.
func StartEmbedded(addr, storeDir string, log *slog.Logger) (*server.Server, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true,
	}
	if addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid nats address: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid nats port %q: %w", port, err)
		}
		opts.Host, opts.Port = host, p
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server did not become ready")
	}
	log.Info("embedded NATS server started", "url", ns.ClientURL(), "store_dir", storeDir)
	return ns, nil
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string, log *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("sitefleet"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info("connected to NATS", "url", natsURL)
	return nc, nil
}

// EnsureTaskStream creates the task stream unless it already exists.
func EnsureTaskStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamTasks)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("could not look up stream %s: %w", StreamTasks, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       StreamTasks,
		Subjects:   []string{SubjectTasks},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("could not create stream %s: %w", StreamTasks, err)
	}
	return nil
}
