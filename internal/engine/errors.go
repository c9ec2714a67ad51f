package engine

import "errors"

var (
	// ErrUnknownSymbol is returned when the order's symbol has no cached
	// reference price in this shard's asset pool.
	ErrUnknownSymbol = errors.New("engine: unknown symbol")

	// ErrInvalidAmount is returned for non-positive order amounts.
	ErrInvalidAmount = errors.New("engine: amount must be positive")

	// ErrInvalidSide is returned when the side is neither BUY nor SELL.
	ErrInvalidSide = errors.New("engine: side must be BUY or SELL")

	// ErrInsufficientFunds is returned when a buy's required cash exceeds
	// the agent's spendable balance.
	ErrInsufficientFunds = errors.New("engine: insufficient funds")

	// ErrInsufficientPosition is returned when a sell amount exceeds the
	// held position.
	ErrInsufficientPosition = errors.New("engine: insufficient position")

	// ErrUnknownAgent is returned by read-side queries for agents that have
	// no account in this shard.
	ErrUnknownAgent = errors.New("engine: unknown agent")
)
