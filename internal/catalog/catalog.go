// Package catalog holds the static exam content: self-introduction prompts,
// topic cards for the information exchange and request cards.
package catalog

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrPoolTooSmall is returned when a card pool cannot give the examiner a
// card different from the candidate's.
var ErrPoolTooSmall = errors.New("card pool must hold at least two cards")

// Kind tags a card variant.
type Kind string

const (
	KindIntro   Kind = "intro"
	KindTopic   Kind = "topic"
	KindRequest Kind = "request"
)

// Card is the shared view of every card variant.
type Card interface {
	ID() string
	Kind() Kind
	Label() string
	Image() string
}

// IntroPrompt is a keyword the candidate covers when introducing themselves.
type IntroPrompt struct {
	Text string
}

func (p IntroPrompt) ID() string    { return p.Text }
func (p IntroPrompt) Kind() Kind    { return KindIntro }
func (p IntroPrompt) Label() string { return p.Text }
func (p IntroPrompt) Image() string { return "" }

// TopicCard is a word card for asking and answering questions on a topic.
type TopicCard struct {
	Word            string `yaml:"word"`
	Theme           string `yaml:"-"`
	ImageURL        string `yaml:"image"`
	ExampleQuestion string `yaml:"example_question"`
}

func (c TopicCard) ID() string    { return c.Word }
func (c TopicCard) Kind() Kind    { return KindTopic }
func (c TopicCard) Label() string { return c.Word }
func (c TopicCard) Image() string { return c.ImageURL }

// RequestCard is a picture card for formulating a request.
type RequestCard struct {
	Index           int    `yaml:"-"`
	Title           string `yaml:"title"`
	ImageURL        string `yaml:"image"`
	ExampleRequest  string `yaml:"example_request"`
	ExampleResponse string `yaml:"example_response"`
}

func (c RequestCard) ID() string    { return fmt.Sprintf("card-%d", c.Index) }
func (c RequestCard) Kind() Kind    { return KindRequest }
func (c RequestCard) Label() string { return c.Title }
func (c RequestCard) Image() string { return c.ImageURL }

// Topic groups topic cards under a theme.
type Topic struct {
	Name  string      `yaml:"name"`
	Cards []TopicCard `yaml:"cards"`
}

// Catalog is the complete static exam content.
type Catalog struct {
	IntroPrompts []string      `yaml:"intro_prompts"`
	Topics       []Topic       `yaml:"topics"`
	Requests     []RequestCard `yaml:"requests"`

	hash string
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file. An empty path selects the embedded catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range c.Topics {
		for j := range c.Topics[i].Cards {
			c.Topics[i].Cards[j].Theme = c.Topics[i].Name
		}
	}
	for i := range c.Requests {
		c.Requests[i].Index = i
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	c.hash = hex.EncodeToString(sum[:])
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.IntroPrompts) == 0 {
		return errors.New("catalog has no introduction prompts")
	}
	if err := checkPool("topic", c.TopicCards()); err != nil {
		return err
	}
	return checkPool("request", c.RequestCards())
}

func checkPool(name string, cards []Card) error {
	if len(cards) < 2 {
		return fmt.Errorf("%s cards: %w", name, ErrPoolTooSmall)
	}
	seen := make(map[string]bool, len(cards))
	for _, card := range cards {
		if card.ID() == "" {
			return fmt.Errorf("%s cards: card without identifier", name)
		}
		if seen[card.ID()] {
			return fmt.Errorf("%s cards: duplicate card %q", name, card.ID())
		}
		seen[card.ID()] = true
	}
	return nil
}

// Hash is the SHA-256 of the catalog source.
func (c *Catalog) Hash() string { return c.hash }

// TopicCards flattens all topics into one ordered pool.
func (c *Catalog) TopicCards() []Card {
	var cards []Card
	for _, t := range c.Topics {
		for _, card := range t.Cards {
			cards = append(cards, card)
		}
	}
	return cards
}

// RequestCards returns the request pool in catalog order.
func (c *Catalog) RequestCards() []Card {
	cards := make([]Card, 0, len(c.Requests))
	for _, r := range c.Requests {
		cards = append(cards, r)
	}
	return cards
}

// Prompts returns the self-introduction keywords as cards.
func (c *Catalog) Prompts() []Card {
	cards := make([]Card, 0, len(c.IntroPrompts))
	for _, p := range c.IntroPrompts {
		cards = append(cards, IntroPrompt{Text: p})
	}
	return cards
}

// Find looks up a card by identifier.
func Find(cards []Card, id string) (Card, bool) {
	for _, c := range cards {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}
