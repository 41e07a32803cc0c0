package natsgw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"fleethub/internal/gateway"
)

func TestTopicToSubject(t *testing.T) {
	assert.Equal(t, "fms.robot.r1.state.pose", TopicToSubject("fms/robot/r1/state/pose"))
	assert.Equal(t, "fms.robot.*.heartbeat", TopicToSubject(gateway.PatternRobotHeartbeat))
	assert.Equal(t, "fms.robot.*.state.>", TopicToSubject(gateway.PatternRobotState))
	assert.Equal(t, "fms.robot.r1.cmd.>", TopicToSubject(gateway.RobotCommandPattern("r1")))
}

func TestSubjectToTopic(t *testing.T) {
	topic := gateway.RobotTaskStatusTopic("robot_001")
	assert.Equal(t, topic, SubjectToTopic(TopicToSubject(topic)))
}

func TestProviderNotRunning(t *testing.T) {
	p := NewProvider(Config{URL: "nats://127.0.0.1:4222"})
	assert.Equal(t, "nats", p.Name())
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Stop())

	assert.ErrorIs(t, p.Publish(context.Background(), "fms/robot/r1/heartbeat", nil), gateway.ErrNotRunning)
	_, err := p.Subscribe(gateway.PatternRobotHeartbeat, func(string, []byte) {})
	assert.ErrorIs(t, err, gateway.ErrNotRunning)
}
