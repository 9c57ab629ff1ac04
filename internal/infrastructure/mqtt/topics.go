package mqtt

// TopicPrefix is the base of every topic the persistence host publishes on.
const TopicPrefix = "graylogic/persistence"

// Topics provides builders for the persistence host's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Changes() // "graylogic/persistence/changes"
type Topics struct{}

// Status returns the retained online/offline status topic. The LWT is
// published here as well.
//
// Example: graylogic/persistence/status
func (Topics) Status() string {
	return TopicPrefix + "/status"
}

// Changes returns the topic committed change sets are published on.
//
// Example: graylogic/persistence/changes
func (Topics) Changes() string {
	return TopicPrefix + "/changes"
}

// All returns a pattern matching every persistence topic.
//
// Pattern: graylogic/persistence/#
func (Topics) All() string {
	return TopicPrefix + "/#"
}
