package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleethub/internal/agent"
	"fleethub/internal/gateway"
	"fleethub/internal/gateway/natsgw"
	"fleethub/internal/gateway/zmq"
	"fleethub/internal/hub"
	"fleethub/internal/logger"
)

var (
	agentRobotID      string
	agentTransport    string
	agentHubPublish   string
	agentHubSubscribe string
	agentNATSURL      string
	agentCurveKey     string
	agentCurveKeyFile string
	agentInterval     time.Duration
	agentTaskDuration time.Duration
	agentBattery      float64
	agentDrain        float64
	agentStartX       float64
	agentStartY       float64
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a simulated robot",
	Long: `Run a simulated robot that reports pose, battery and heartbeats to a hub
and executes the tasks it is sent. With ZMQ the agent connects to the hub's
sockets: it publishes to the hub's subscribe endpoint and listens on the hub's
publish endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetSilentMode(false)
		if !verbose {
			logger.SetLevel(logger.LOG_INFO)
		}

		var gw gateway.Gateway
		switch agentTransport {
		case hub.ProviderZMQ:
			config := zmq.Config{
				PublishEndpoint:   agentHubSubscribe,
				SubscribeEndpoint: agentHubPublish,
				Bind:              false,
			}
			if agentCurveKey != "" {
				keyFile := agentCurveKeyFile
				if keyFile == "" {
					keyFile = agentRobotID + ".keys.yml"
				}
				config.Curve = zmq.CurveConfig{Enabled: true, KeyFile: keyFile, ServerKey: agentCurveKey}
			}
			if err := config.Validate(); err != nil {
				return fmt.Errorf("invalid zmq settings: %w", err)
			}
			gw = zmq.NewProvider(config)
		case hub.ProviderNATS:
			gw = natsgw.NewProvider(natsgw.Config{
				URL:           agentNATSURL,
				Name:          "fleethub-agent-" + agentRobotID,
				ReconnectWait: 2 * time.Second,
			})
		default:
			return fmt.Errorf("unsupported transport for agent: %q", agentTransport)
		}

		robot, err := agent.New(agent.Config{
			RobotID:       agentRobotID,
			Interval:      agentInterval,
			TaskDuration:  agentTaskDuration,
			Battery:       agentBattery,
			DrainPerTick:  agentDrain,
			StartPosition: [2]float64{agentStartX, agentStartY},
		}, gw)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s transport: %w", gw.Name(), err)
		}
		defer gw.Stop()

		return robot.Run(ctx)
	},
}

func init() {
	agentCmd.Flags().StringVarP(&agentRobotID, "robot-id", "r", "robot_001", "Robot identifier")
	agentCmd.Flags().StringVarP(&agentTransport, "transport", "t", hub.ProviderZMQ, "Transport: zmq or nats")
	agentCmd.Flags().StringVar(&agentHubPublish, "hub-publish", "tcp://localhost:7448", "Hub ZMQ publish endpoint (commands)")
	agentCmd.Flags().StringVar(&agentHubSubscribe, "hub-subscribe", "tcp://localhost:7447", "Hub ZMQ subscribe endpoint (reports)")
	agentCmd.Flags().StringVar(&agentCurveKey, "curve-server-key", "", "Hub CurveZMQ public key; enables encryption")
	agentCmd.Flags().StringVar(&agentCurveKeyFile, "curve-key-file", "", "Agent CurveZMQ key file (default <robot-id>.keys.yml)")
	agentCmd.Flags().StringVar(&agentNATSURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	agentCmd.Flags().DurationVar(&agentInterval, "interval", time.Second, "State report interval")
	agentCmd.Flags().DurationVar(&agentTaskDuration, "task-duration", 5*time.Second, "Time taken to reach a task target")
	agentCmd.Flags().Float64Var(&agentBattery, "battery", 95, "Starting battery percentage")
	agentCmd.Flags().Float64Var(&agentDrain, "drain", 0.05, "Battery percentage lost per report")
	agentCmd.Flags().Float64Var(&agentStartX, "x", 0, "Starting x position")
	agentCmd.Flags().Float64Var(&agentStartY, "y", 0, "Starting y position")
}
