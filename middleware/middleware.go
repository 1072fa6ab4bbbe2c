// Package middleware provides topicpoller middlewares and error hooks for logging,
// tracing, metrics and error reporting.
//
// Middlewares wrap classification, the handler and the delete call, so the topic
// of a message is only known once the next handler has returned.
package middleware

import "github.com/hatsunemiku3939/topicpoller"

// unknownTopic labels messages that could not be classified.
const unknownTopic = "unknown"

func topicOf(st *topicpoller.DispatchState) string {
	if st.Payload == nil || st.Payload.Topic == "" {
		return unknownTopic
	}
	return st.Payload.Topic
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return topicpoller.KindOf(err).String()
}
