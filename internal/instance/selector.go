// Package instance chooses which authenticated send instance handles a
// recipient.
//
// Selectors are stateless values; a campaign carries its own and nothing is
// shared process-wide.
package instance

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

var (
	ErrEmptyPool       = errors.New("instance pool is empty")
	ErrUnknownStrategy = errors.New("unknown instance strategy")
)

type Strategy string

const (
	StrategyRandom Strategy = "random"
	StrategyBound  Strategy = "bound"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyRandom:
		return StrategyRandom, nil
	case StrategyBound:
		return StrategyBound, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

type Selector interface {
	Pick(pool []string) (string, error)
}

// Random draws uniformly from the pool on every call.
type Random struct{}

func (Random) Pick(pool []string) (string, error) {
	if len(pool) == 0 {
		return "", ErrEmptyPool
	}
	return pool[rand.IntN(len(pool))], nil
}

// Bound always answers ID, ignoring the pool.
type Bound struct {
	ID string
}

func (b Bound) Pick([]string) (string, error) {
	if b.ID == "" {
		return "", ErrEmptyPool
	}
	return b.ID, nil
}

// New builds the selector for strategy. bound is only used by StrategyBound.
func New(strategy Strategy, bound string) (Selector, error) {
	switch strategy {
	case StrategyRandom, "":
		return Random{}, nil
	case StrategyBound:
		if strings.TrimSpace(bound) == "" {
			return nil, errors.New("bound strategy requires an instance id")
		}
		return Bound{ID: bound}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// PoolSource lists the healthy instances an owner may send from. Instance
// health is tracked outside the core.
type PoolSource interface {
	Pool(ctx context.Context, owner string) ([]string, error)
}

// StaticPool serves pools from configuration. Owners without an entry get
// Default.
type StaticPool struct {
	Default []string
	ByOwner map[string][]string
}

func (s StaticPool) Pool(_ context.Context, owner string) ([]string, error) {
	if p, ok := s.ByOwner[owner]; ok {
		return slices.Clone(p), nil
	}
	return slices.Clone(s.Default), nil
}

// Restrict keeps the members of pool that appear in allowed, preserving
// pool order. An empty allowed list keeps everything.
func Restrict(pool, allowed []string) []string {
	if len(allowed) == 0 {
		return slices.Clone(pool)
	}
	out := make([]string, 0, len(pool))
	for _, id := range pool {
		if slices.Contains(allowed, id) {
			out = append(out, id)
		}
	}
	return out
}
