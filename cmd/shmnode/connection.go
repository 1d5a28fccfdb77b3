package main

import (
	"shmipc/internal/connection"
	"shmipc/internal/dynstore"
	"shmipc/internal/node"
	"shmipc/internal/staticstore"
)

// connectionPair is the one Connection a demo-mode Publisher and
// Subscriber share in-process. A real deployment has the publisher and
// subscriber in separate processes, each registering its own PortId with
// the Service's dynamic config and exchanging the resulting connection
// through it; this binary plays both roles itself so it is runnable
// standalone, per its own doc comment.
type connectionPair struct {
	publisherPortId  dynstore.PortId
	subscriberPortId dynstore.PortId
	conn             *connection.Connection
}

func newConnectionPair(cfg staticstore.StaticConfig, owner node.Id) *connectionPair {
	capacity := uint64(cfg.PubSub.HistorySize) + uint64(cfg.PubSub.SubscriberMaxBufferSize) +
		uint64(cfg.PubSub.SubscriberMaxBorrowedSamples) + 1
	if capacity < 1 {
		capacity = 1
	}

	conn := connection.New(connection.Config{
		DataQueueCapacity:   capacity,
		ReturnQueueCapacity: capacity,
		EnableSafeOverflow:  cfg.PubSub.EnableSafeOverflow,
		Strategy:            connection.DiscardSample,
	})

	return &connectionPair{
		publisherPortId:  dynstore.PortId{Owner: owner, Ordinal: 1},
		subscriberPortId: dynstore.PortId{Owner: owner, Ordinal: 2},
		conn:             conn,
	}
}
