package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/jakecoffman/frag"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const testMaxPacketBytes = 16 * 1024

var (
	configPath string
	iterations int
	seed       int64
)

var globalTime float64 = 100

var rootCmd = &cobra.Command{
	Use:          "fuzz",
	Short:        "Feed random packets to an endpoint",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML endpoint config")
	rootCmd.Flags().IntVar(&iterations, "iterations", -1, "number of iterations to run, -1 runs until interrupted")
	rootCmd.Flags().Int64Var(&seed, "seed", 1, "random seed")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.SetLevel(logging.CRITICAL, "frag")

	config, err := frag.LoadConfig(configPath)
	if err != nil {
		return err
	}
	config.TransmitPacketFunction = func(interface{}, int, uint16, []byte) {}
	config.ProcessPacketFunction = func(interface{}, int, uint16, []byte) {}

	endpoint, err := frag.NewEndpoint(config, globalTime)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)
	defer signal.Stop(signals)

	rng := rand.New(rand.NewSource(seed))
	packetData := make([]byte, testMaxPacketBytes)
	deltaTime := .1

loop:
	for i := 0; iterations < 0 || i < iterations; i++ {
		select {
		case <-signals:
			break loop
		default:
		}

		fmt.Print(".")
		packetBytes := rng.Intn(testMaxPacketBytes-1) + 1
		rng.Read(packetData[:packetBytes])
		// bias towards the fragment path so the reassembly pool gets exercised
		if i%2 == 0 {
			packetData[0] = 1
		}

		endpoint.ReceivePacket(packetData[:packetBytes])
		endpoint.Update(globalTime)
		globalTime += deltaTime
	}
	fmt.Println()

	endpoint.Reset()
	if n := endpoint.Fragments.Outstanding(); n != 0 {
		return errors.Errorf("leaked %d fragments", n)
	}
	return nil
}
