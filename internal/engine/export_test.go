package engine

// TopicCount exposes the live topic count to external tests.
func TopicCount(b *LogBroker) int { return b.topicCount() }
