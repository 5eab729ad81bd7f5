package pluginhost

import (
	"fmt"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// ReplyFunc is the host's channel.reply facade from the host plugin
// contract: the one primitive this module needs from its host to actually
// hand a task or message to a locally running agent. kind is "task" or
// "message".
type ReplyFunc func(agentID, kind string, payload any) error

// hostDeliverer adapts a host-supplied ReplyFunc to dispatcher.Deliverer.
type hostDeliverer struct {
	reply ReplyFunc
}

func (d hostDeliverer) DeliverTask(task schema.Task, receiver string) error {
	if d.reply == nil {
		return fmt.Errorf("pluginhost: no channel.reply facade registered")
	}
	return d.reply(receiver, "task", task)
}

func (d hostDeliverer) DeliverMessage(msg schema.Message, receiver string) error {
	if d.reply == nil {
		return fmt.Errorf("pluginhost: no channel.reply facade registered")
	}
	return d.reply(receiver, "message", msg)
}
