package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// TopicPrefix is the root of every topic the bridge publishes or subscribes to.
//
// Accessory topics use the flat scheme crestron/{category}/{kind}/{id}, where
// kind is the accessory type (e.g. "Lightbulb") and id its numeric device id.
const TopicPrefix = "crestron"

// Topic categories.
const (
	CategoryState    = "state"
	CategoryCommand  = "command"
	CategoryAck      = "ack"
	CategoryRequest  = "request"
	CategoryResponse = "response"
)

// Topics provides builders for the bridge's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("Lightbulb", 3) // "crestron/state/Lightbulb/3"
type Topics struct{}

func accessoryTopic(category, kind string, id int) string {
	return fmt.Sprintf("%s/%s/%s/%d", TopicPrefix, category, kind, id)
}

// State returns the retained state topic of an accessory.
func (Topics) State(kind string, id int) string {
	return accessoryTopic(CategoryState, kind, id)
}

// Command returns the topic clients publish characteristic writes to.
func (Topics) Command(kind string, id int) string {
	return accessoryTopic(CategoryCommand, kind, id)
}

// Ack returns the topic command acknowledgements are published on.
func (Topics) Ack(kind string, id int) string {
	return accessoryTopic(CategoryAck, kind, id)
}

// Request returns the topic clients publish characteristic reads to.
func (Topics) Request(kind string, id int) string {
	return accessoryTopic(CategoryRequest, kind, id)
}

// Response returns the topic read results are published on.
func (Topics) Response(kind string, id int) string {
	return accessoryTopic(CategoryResponse, kind, id)
}

// SystemStatus returns the retained online/offline topic carrying the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// SystemHealth returns the topic periodic bridge health is published on.
func (Topics) SystemHealth() string {
	return TopicPrefix + "/system/health"
}

// AllCommands matches the command topic of every accessory.
func (Topics) AllCommands() string {
	return TopicPrefix + "/" + CategoryCommand + "/+/+"
}

// AllRequests matches the request topic of every accessory.
func (Topics) AllRequests() string {
	return TopicPrefix + "/" + CategoryRequest + "/+/+"
}

// AllStates matches the state topic of every accessory.
func (Topics) AllStates() string {
	return TopicPrefix + "/" + CategoryState + "/+/+"
}

// ParseAccessoryTopic splits crestron/{category}/{kind}/{id} into its parts.
func ParseAccessoryTopic(topic string) (category, kind string, id int, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix {
		return "", "", 0, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", 0, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	id, err = strconv.Atoi(parts[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %q: bad id", ErrInvalidTopic, topic)
	}
	return parts[1], parts[2], id, nil
}
