// Package presentation holds the robot's face state: what it says, how it
// looks, and which colour scheme it wears.
package presentation

import (
	"image/color"
	"time"
)

type Expression int

const (
	Neutral Expression = iota
	Happy
	Sleepy
	Doubt
)

// ExpressionCount is the period of the expression cycle.
const ExpressionCount = 4

var expressionLabels = [ExpressionCount]string{"普通", "嬉しい", "眠い", "困った"}
var expressionNames = [ExpressionCount]string{"neutral", "happy", "sleepy", "doubt"}

func (e Expression) Valid() bool {
	return e >= 0 && e < ExpressionCount
}

// Label is the text shown in the speech bubble when the expression is cycled.
func (e Expression) Label() string {
	if !e.Valid() {
		return ""
	}
	return expressionLabels[e]
}

func (e Expression) String() string {
	if !e.Valid() {
		return "unknown"
	}
	return expressionNames[e]
}

// Next returns the following expression in the cycle.
func (e Expression) Next() Expression {
	return (e + 1) % ExpressionCount
}

type Palette struct {
	Name       string
	Primary    color.RGBA
	Background color.RGBA
}

// PaletteCount is the period of the colour cycle.
const PaletteCount = 6

var (
	white  = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	black  = color.RGBA{A: 0xff}
	yellow = color.RGBA{R: 0xff, G: 0xff, A: 0xff}
)

var palettes = [PaletteCount]Palette{
	{Name: "標準色", Primary: white, Background: black},
	{Name: "青系", Primary: yellow, Background: color.RGBA{B: 0xff, A: 0xff}},
	{Name: "緑系", Primary: white, Background: color.RGBA{G: 0x80, A: 0xff}},
	{Name: "赤系", Primary: white, Background: color.RGBA{R: 0xff, A: 0xff}},
	{Name: "紫系", Primary: yellow, Background: color.RGBA{R: 0x80, B: 0x80, A: 0xff}},
	{Name: "オレンジ系", Primary: black, Background: color.RGBA{R: 0xff, G: 0xa5, A: 0xff}},
}

func ValidColor(i int) bool {
	return i >= 0 && i < PaletteCount
}

// PaletteAt returns palette i. Out of range indices yield the standard palette and false.
func PaletteAt(i int) (Palette, bool) {
	if !ValidColor(i) {
		return palettes[0], false
	}
	return palettes[i], true
}

// State is the single presentation record owned by the dispatcher.
type State struct {
	Message    string
	Expression Expression
	ColorIndex int
	// UserSet marks a message chosen by a caller; it reverts to an idle phrase
	// once the speech timeout passes without a refresh.
	UserSet    bool
	LastChange time.Time
}

// Boot returns the power-on state.
func Boot(defaultMessage string, now time.Time) State {
	return State{
		Message:    defaultMessage,
		Expression: Neutral,
		ColorIndex: 0,
		LastChange: now,
	}
}

func (s State) Palette() Palette {
	p, _ := PaletteAt(s.ColorIndex)
	return p
}

// Expired reports whether a user-set message has outlived timeout at now.
func (s State) Expired(now time.Time, timeout time.Duration) bool {
	return s.UserSet && !now.Before(s.LastChange.Add(timeout))
}
