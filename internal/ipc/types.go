package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is any message carried over the file-drop transport. The wire form
// is a JSON object with a "type" discriminator.
type Record interface {
	RecordType() string
}

const (
	TypeMessage       = "message"
	TypeVoiceMessage  = "voice_message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRegisterGroup = "register_group"
)

// Message injects a user turn into a running agent, or carries an outbound
// assistant message from the agent to the host.
type Message struct {
	Type        string    `json:"type"`
	ChatJID     string    `json:"chatJid"`
	Text        string    `json:"text"`
	Sender      string    `json:"sender,omitempty"`
	GroupFolder string    `json:"groupFolder"`
	Timestamp   time.Time `json:"timestamp"`
}

func (Message) RecordType() string { return TypeMessage }

// VoiceMessage points at an audio file for the owning channel to deliver.
type VoiceMessage struct {
	Type        string    `json:"type"`
	ChatJID     string    `json:"chatJid"`
	AudioPath   string    `json:"audioPath"`
	GroupFolder string    `json:"groupFolder"`
	Timestamp   time.Time `json:"timestamp"`
}

func (VoiceMessage) RecordType() string { return TypeVoiceMessage }

// ScheduleTask asks the host to create a scheduled task.
type ScheduleTask struct {
	Type          string    `json:"type"`
	Prompt        string    `json:"prompt"`
	ScheduleType  string    `json:"schedule_type"`
	ScheduleValue string    `json:"schedule_value"`
	ContextMode   string    `json:"context_mode"`
	TargetJID     string    `json:"targetJid"`
	CreatedBy     string    `json:"createdBy"`
	Timestamp     time.Time `json:"timestamp"`
}

func (ScheduleTask) RecordType() string { return TypeScheduleTask }

// TaskControl pauses, resumes or cancels an existing task. Its Type field
// distinguishes the three operations.
type TaskControl struct {
	Type        string    `json:"type"`
	TaskID      string    `json:"taskId"`
	GroupFolder string    `json:"groupFolder"`
	IsMain      bool      `json:"isMain"`
	Timestamp   time.Time `json:"timestamp"`
}

func (t TaskControl) RecordType() string { return t.Type }

// RegisterGroup asks the host to register a new chat.
type RegisterGroup struct {
	Type      string    `json:"type"`
	JID       string    `json:"jid"`
	Name      string    `json:"name"`
	Folder    string    `json:"folder"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

func (RegisterGroup) RecordType() string { return TypeRegisterGroup }

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one IPC file body into its typed record.
func Decode(data []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	switch env.Type {
	case TypeMessage:
		var r Message
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return r, nil
	case TypeVoiceMessage:
		var r VoiceMessage
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return r, nil
	case TypeScheduleTask:
		var r ScheduleTask
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return r, nil
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		var r TaskControl
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return r, nil
	case TypeRegisterGroup:
		var r RegisterGroup
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown ipc record type %q", env.Type)
	}
}
