package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/jakecoffman/frag"
	"github.com/op/go-logging"
	"github.com/spf13/cobra"
)

const testMaxPacketBytes = 2900

var (
	configPath   string
	iterations   int
	maxInTransit int
	dropPercent  int
)

var globalTime = 100.

type testContext struct {
	rng    *rand.Rand
	client *frag.Endpoint
	server *frag.Endpoint
}

var rootCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Print reassembly counters while a lossy link keeps the buffer pool under pressure",
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML endpoint config")
	rootCmd.Flags().IntVar(&iterations, "iterations", -1, "number of iterations to run, -1 runs until interrupted")
	rootCmd.Flags().IntVar(&maxInTransit, "max-in-transit", 4, "reassembly buffers on the server")
	rootCmd.Flags().IntVar(&dropPercent, "drop", 20, "percent of client fragments dropped")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.SetLevel(logging.ERROR, "frag")

	ctx, err := initialize()
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)
	defer signal.Stop(signals)

	deltaTime := .01
	for i := 0; iterations < 0 || i < iterations; i++ {
		select {
		case <-signals:
			return nil
		default:
		}

		ctx.iteration(globalTime)
		globalTime += deltaTime
	}
	return nil
}

func initialize() (*testContext, error) {
	ctx := &testContext{rng: rand.New(rand.NewSource(1))}

	for index, name := range []string{"client", "server"} {
		config, err := frag.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		config.Name = name
		config.Index = index
		config.Context = ctx
		config.FragmentAbove = 256
		config.FragmentSize = 256
		config.MaxPacketSize = testMaxPacketBytes
		config.MaxInTransit = maxInTransit
		config.TransmitPacketFunction = testTransmitPacketFunction
		config.ProcessPacketFunction = testProcessPacketFunction

		endpoint, err := frag.NewEndpoint(config, globalTime)
		if err != nil {
			return nil, err
		}
		if index == 0 {
			ctx.client = endpoint
		} else {
			ctx.server = endpoint
		}
	}
	return ctx, nil
}

func (ctx *testContext) iteration(time float64) {
	if ctx.client.Outgoing.Len() == 0 {
		packetData := make([]byte, testMaxPacketBytes)
		ctx.client.SendPacket(packetData[:ctx.rng.Intn(testMaxPacketBytes)+1])
	}

	ctx.client.Update(time)
	ctx.server.Update(time)

	fmt.Printf("%v sent | %v fragments sent | %v received | %v completed | %v evicted (%v fragments) | %v duplicate | in progress %v\n",
		ctx.client.PacketsSent(),
		ctx.client.FragmentsSent(),
		ctx.server.PacketsReceived(),
		ctx.server.Counter(frag.CounterNumGroupsCompleted),
		ctx.server.GroupsEvicted(),
		ctx.server.Counter(frag.CounterNumFragmentsEvicted),
		ctx.server.Counter(frag.CounterNumFragmentsDuplicate),
		inProgress(ctx.server.Reassembly),
	)
}

// inProgress formats each group being reassembled as id:received/total.
func inProgress(pool *frag.ReassemblyPool) []string {
	var groups []string
	for _, groupID := range pool.InProgress() {
		if received, total, ok := pool.Progress(groupID); ok {
			groups = append(groups, fmt.Sprintf("%d:%d/%d", groupID, received, total))
		}
	}
	return groups
}

func testTransmitPacketFunction(context interface{}, index int, groupID uint16, packetData []byte) {
	ctx := context.(*testContext)

	if index == 0 && ctx.rng.Intn(100) < dropPercent {
		return
	}

	if index == 0 {
		ctx.server.ReceivePacket(packetData)
	} else if index == 1 {
		ctx.client.ReceivePacket(packetData)
	}
}

func testProcessPacketFunction(_ interface{}, _ int, _ uint16, _ []byte) {}
