// Package dice parses and evaluates dice notation such as "2d6+3".
package dice

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
)

const (
	// MaxCount bounds the number of dice in a single expression.
	MaxCount = 100
	// MaxSides bounds the size of a single die.
	MaxSides = 1000
	// MaxModifier bounds the absolute value of the flat modifier.
	MaxModifier = 10000
)

// ErrInvalidNotation is wrapped by every parse or validation failure.
var ErrInvalidNotation = errors.New("invalid dice notation")

// Expression is a parsed <count>d<sides>+<modifier> term.
type Expression struct {
	Count    int
	Sides    int
	Modifier int
}

func (e Expression) String() string {
	if e.Modifier == 0 {
		return fmt.Sprintf("%dd%d", e.Count, e.Sides)
	}
	return fmt.Sprintf("%dd%d+%d", e.Count, e.Sides, e.Modifier)
}

// Result is the outcome of rolling an expression.
type Result struct {
	Notation string
	Total    int
	Rolls    []int
	Reason   *string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidNotation, fmt.Sprintf(format, args...))
}

// Parse validates notation and returns the parsed expression.
func Parse(notation string) (Expression, error) {
	notation = strings.TrimSpace(notation)

	parts := strings.Split(notation, "+")
	if len(parts) > 2 {
		return Expression{}, invalid("Invalid dice format. Use format like '2d6+3'")
	}

	modifier := 0
	if len(parts) == 2 {
		m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return Expression{}, invalid("Invalid dice modifier")
		}
		modifier = m
	}

	diceParts := strings.Split(strings.TrimSpace(parts[0]), "d")
	if len(diceParts) != 2 {
		return Expression{}, invalid("Invalid dice format. Use format like '2d6+3'")
	}

	count, err := strconv.Atoi(diceParts[0])
	if err != nil {
		return Expression{}, invalid("Invalid dice count")
	}
	sides, err := strconv.Atoi(diceParts[1])
	if err != nil {
		return Expression{}, invalid("Invalid dice sides")
	}

	if count <= 0 || sides <= 0 {
		return Expression{}, invalid("Dice count and sides must be positive")
	}
	if count > MaxCount {
		return Expression{}, invalid("Dice count must be at most %d", MaxCount)
	}
	if sides > MaxSides {
		return Expression{}, invalid("Dice sides must be at most %d", MaxSides)
	}
	if modifier > MaxModifier || modifier < -MaxModifier {
		return Expression{}, invalid("Dice modifier must be between -%d and %d", MaxModifier, MaxModifier)
	}

	return Expression{Count: count, Sides: sides, Modifier: modifier}, nil
}

// Roller draws dice values from a non-cryptographic source.
// The zero value is not usable; construct with NewRoller or NewSeededRoller.
type Roller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRoller returns a roller backed by a randomly seeded PCG source.
func NewRoller() *Roller {
	return NewSeededRoller(rand.Uint64(), rand.Uint64())
}

// NewSeededRoller returns a deterministic roller, mainly for tests and replays.
func NewSeededRoller(seed1, seed2 uint64) *Roller {
	return &Roller{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Roll parses notation and rolls it. reason is carried through untouched.
func (r *Roller) Roll(notation string, reason *string) (Result, error) {
	expr, err := Parse(notation)
	if err != nil {
		return Result{}, err
	}
	return r.RollExpression(notation, expr, reason), nil
}

// RollExpression rolls an already validated expression.
func (r *Roller) RollExpression(notation string, expr Expression, reason *string) Result {
	rolls := make([]int, expr.Count)
	total := 0

	r.mu.Lock()
	for i := range rolls {
		value := r.rng.IntN(expr.Sides) + 1
		rolls[i] = value
		total += value
	}
	r.mu.Unlock()

	return Result{
		Notation: notation,
		Total:    total + expr.Modifier,
		Rolls:    rolls,
		Reason:   reason,
	}
}
