// Command kdbusd is a smoke-test harness for the in-process kdbus engine,
// generalized from the teacher's cmd/ublk-mem: instead of attaching a
// memory-backed block device, it stands up a Domain and bus in-process
// and drives a scripted Hello/Send/Recv/NameAcquire sequence against it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/kdbusd"
	"github.com/ehrlich-b/kdbusd/config"
	"github.com/ehrlich-b/kdbusd/internal/logging"
	"github.com/ehrlich-b/kdbusd/internal/meta"
	"github.com/ehrlich-b/kdbusd/internal/policy"
	"github.com/ehrlich-b/kdbusd/internal/wire"
)

func main() {
	var (
		busName    string
		configFile string
		verbose    bool
	)

	root := &cobra.Command{
		Use:   "kdbusd",
		Short: "Smoke-test harness for the kdbus engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSmokeTest(busName, configFile, verbose)
		},
	}
	root.Flags().StringVar(&busName, "bus", "smoke", "bus name suffix (actual name is \"<uid>-<suffix>\")")
	root.Flags().StringVar(&configFile, "config", "", "optional YAML/TOML/JSON config file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSmokeTest(busSuffix, configFile string, verbose bool) error {
	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	domain := kdbus.NewDomain(cfg)
	defer domain.Shutdown()

	creatorMeta, err := meta.Collect(0)
	if err != nil {
		return fmt.Errorf("collect creator metadata: %w", err)
	}

	uid := creatorMeta.UID
	name := fmt.Sprintf("%d-%s", uid, busSuffix)
	bus, err := domain.CreateBus(name, uid, cfg.Bloom, creatorMeta)
	if err != nil {
		return fmt.Errorf("create bus %q: %w", name, err)
	}
	logger.Info("bus created", "name", bus.Name, "id", bus.ID)

	ep := bus.DefaultEndpoint()

	alice, _, err := ep.Hello(kdbus.HelloRequest{
		Role:        kdbus.RoleOrdinary,
		AttachFlags: meta.AttachAll,
		PoolSize:    1 << 20,
		AcceptFDs:   true,
		Description: "alice",
	})
	if err != nil {
		return fmt.Errorf("hello alice: %w", err)
	}
	logger.Info("connection established", "who", "alice", "id", alice.ID)

	bob, _, err := ep.Hello(kdbus.HelloRequest{
		Role:        kdbus.RoleOrdinary,
		AttachFlags: meta.AttachAll,
		PoolSize:    1 << 20,
		AcceptFDs:   true,
		Description: "bob",
	})
	if err != nil {
		return fmt.Errorf("hello bob: %w", err)
	}
	logger.Info("connection established", "who", "bob", "id", bob.ID)

	const wellKnownName = "com.example.Bob"
	bus.Policy.Add(policy.Entry{Scope: policy.ScopeWorld, Name: wellKnownName, Level: policy.LevelOwn})
	bus.Policy.Add(policy.Entry{Scope: policy.ScopeWorld, Name: "", Level: policy.LevelTalk})

	if _, err := ep.NameAcquire(bob, wellKnownName, 0); err != nil {
		return fmt.Errorf("bob acquires %q: %w", wellKnownName, err)
	}
	logger.Info("name acquired", "who", "bob", "name", wellKnownName)

	if _, err := bus.Send(ep, alice, &kdbus.Message{
		DstName: wellKnownName,
		Cookie:  1,
		SrcID:   alice.ID,
		Items:   []wire.Item{wire.NewStringItem(wire.ItemPayloadVec, "hello from alice")},
	}); err != nil {
		return fmt.Errorf("alice sends to bob: %w", err)
	}
	logger.Info("message sent", "from", "alice", "to", wellKnownName)

	res, err := bus.Recv(bob, 0, 0)
	if err != nil {
		return fmt.Errorf("bob receives: %w", err)
	}
	logger.Info("message received", "who", "bob", "src_id", res.SrcID, "offset", res.Offset)

	if err := kdbus.ByeBye(bob); err != nil {
		return fmt.Errorf("bob disconnects: %w", err)
	}
	if err := kdbus.ByeBye(alice); err != nil {
		return fmt.Errorf("alice disconnects: %w", err)
	}
	logger.Info("smoke test complete")
	return nil
}
