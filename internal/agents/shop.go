package agents

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/router"
)

// Offer is one product listing on one platform.
type Offer struct {
	ID       string
	Name     string
	Category string
	Price    float64
	Shipping float64
	Platform string
	Rating   float64
}

func (o Offer) total() float64 { return round2(o.Price + o.Shipping) }

func (o Offer) data() map[string]any {
	return map[string]any{
		"id":       o.ID,
		"name":     o.Name,
		"price":    o.Price,
		"shipping": o.Shipping,
		"platform": o.Platform,
		"rating":   o.Rating,
	}
}

// DefaultCatalog is the offline catalog the shop searches.
func DefaultCatalog() []Offer {
	return []Offer{
		{ID: "kb-1", Name: "Keychron K2 mechanical keyboard", Category: "keyboard", Price: 49.00, Platform: "amazon", Rating: 4.6},
		{ID: "kb-2", Name: "Logitech K380 keyboard", Category: "keyboard", Price: 39.99, Shipping: 4.99, Platform: "bol", Rating: 4.5},
		{ID: "kb-3", Name: "Keychron K2 mechanical keyboard", Category: "keyboard", Price: 44.50, Shipping: 6.95, Platform: "ebay", Rating: 4.6},
		{ID: "hp-1", Name: "Sony WH-1000XM5 headphones", Category: "headphones", Price: 329.00, Platform: "amazon", Rating: 4.7},
		{ID: "hp-2", Name: "Sony WH-1000XM5 headphones", Category: "headphones", Price: 299.99, Shipping: 5.99, Platform: "ebay", Rating: 4.7},
		{ID: "hp-3", Name: "Sony WH-1000XM5 headphones", Category: "headphones", Price: 309.00, Platform: "coolblue", Rating: 4.7},
		{ID: "lp-1", Name: "IKEA Forså desk lamp", Category: "lamp", Price: 24.99, Platform: "ikea", Rating: 4.3},
		{ID: "lp-2", Name: "BenQ e-reading desk lamp", Category: "lamp", Price: 179.00, Platform: "amazon", Rating: 4.8},
		{ID: "bt-1", Name: "AA batteries 12 pack", Category: "batteries", Price: 9.99, Platform: "amazon", Rating: 4.4},
		{ID: "bt-2", Name: "AA batteries 12 pack", Category: "batteries", Price: 7.49, Shipping: 2.50, Platform: "bol", Rating: 4.4},
		{ID: "ms-1", Name: "Logitech MX Master 3S mouse", Category: "mouse", Price: 99.99, Platform: "amazon", Rating: 4.7},
		{ID: "cb-1", Name: "Anker USB-C cable", Category: "cable", Price: 12.99, Platform: "amazon", Rating: 4.5},
	}
}

// Shop is the ecommerce agent: catalog search, price comparison and a cart.
type Shop struct {
	catalog []Offer
	log     *slog.Logger

	mu   sync.Mutex
	cart []Offer
}

func NewShop(catalog []Offer, log *slog.Logger) *Shop {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Shop{catalog: catalog, log: log.With(slog.String("component", "agent.ecommerce"))}
}

func (s *Shop) Name() string { return router.AgentEcommerce }

func (s *Shop) Actions() dispatch.Actions {
	return dispatch.Actions{
		"product_search":   s.search,
		"price_compare":    s.compare,
		"add_to_cart":      s.addToCart,
		"remove_from_cart": s.removeFromCart,
		"view_cart":        s.viewCart,
	}
}

// find returns offers matching every word of query, cheapest first.
func (s *Shop) find(query string, maxPrice float64) []Offer {
	words := strings.Fields(strings.ToLower(query))
	var out []Offer
	for _, o := range s.catalog {
		hay := strings.ToLower(o.Name + " " + o.Category)
		if !matchesAll(hay, words) {
			continue
		}
		if maxPrice > 0 && o.Price > maxPrice {
			continue
		}
		out = append(out, o)
	}
	slices.SortStableFunc(out, func(a, b Offer) int {
		switch {
		case a.total() < b.total():
			return -1
		case a.total() > b.total():
			return 1
		}
		return 0
	})
	return out
}

func matchesAll(hay string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(hay, strings.TrimSuffix(w, "s")) {
			return false
		}
	}
	return len(words) > 0
}

func (s *Shop) search(_ context.Context, params map[string]any) dispatch.Result {
	p := router.Parameters(params)
	query := p.String("query")
	if query == "" {
		return dispatch.Fail("missing_query", "what should I look for")
	}
	maxPrice, _ := p.Float("max_price")
	offers := s.find(query, maxPrice)
	products := make([]map[string]any, 0, len(offers))
	for _, o := range offers {
		products = append(products, o.data())
	}
	return dispatch.OK(map[string]any{"products": products, "query": query})
}

func (s *Shop) compare(_ context.Context, params map[string]any) dispatch.Result {
	query := router.Parameters(params).String("query")
	if query == "" {
		return dispatch.Fail("missing_query", "which product should I compare")
	}
	offers := s.find(query, 0)
	if len(offers) == 0 {
		return dispatch.Fail("not_found", "no offers for %s", query)
	}
	// Compare listings of the best-matching product only.
	name := offers[0].Name
	comparisons := make([]map[string]any, 0, len(offers))
	for _, o := range offers {
		if o.Name != name {
			continue
		}
		comparisons = append(comparisons, map[string]any{
			"platform":    o.Platform,
			"price":       o.Price,
			"shipping":    o.Shipping,
			"total_price": o.total(),
		})
	}
	return dispatch.OK(map[string]any{
		"product":     name,
		"comparisons": comparisons,
		"best_deal":   comparisons[0],
	})
}

func (s *Shop) addToCart(_ context.Context, params map[string]any) dispatch.Result {
	query := router.Parameters(params).String("query")
	if query == "" {
		return dispatch.Fail("missing_query", "what should I add")
	}
	offers := s.find(query, 0)
	if len(offers) == 0 {
		return dispatch.Fail("not_found", "I couldn't find %s", query)
	}
	item := offers[0]
	s.mu.Lock()
	s.cart = append(s.cart, item)
	count, total := len(s.cart), cartTotal(s.cart)
	s.mu.Unlock()
	s.log.Info("cart updated", slog.String("item", item.ID), slog.Int("items", count))
	return dispatch.OK(map[string]any{"item": item.data(), "items": count, "total": total})
}

// removeFromCart drops the most recently added item matching query.
func (s *Shop) removeFromCart(_ context.Context, params map[string]any) dispatch.Result {
	query := router.Parameters(params).String("query")
	if query == "" {
		return dispatch.Fail("missing_query", "what should I remove")
	}
	words := strings.Fields(strings.ToLower(query))
	s.mu.Lock()
	idx := -1
	for i := len(s.cart) - 1; i >= 0; i-- {
		if matchesAll(strings.ToLower(s.cart[i].Name+" "+s.cart[i].Category), words) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return dispatch.Fail("not_found", "%s is not in your cart", query)
	}
	item := s.cart[idx]
	s.cart = slices.Delete(s.cart, idx, idx+1)
	count, total := len(s.cart), cartTotal(s.cart)
	s.mu.Unlock()
	s.log.Info("cart updated", slog.String("removed", item.ID), slog.Int("items", count))
	return dispatch.OK(map[string]any{"item": item.data(), "items": count, "total": total})
}

func (s *Shop) viewCart(context.Context, map[string]any) dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]map[string]any, 0, len(s.cart))
	for _, o := range s.cart {
		items = append(items, o.data())
	}
	return dispatch.OK(map[string]any{"items": items, "total": cartTotal(s.cart)})
}

func cartTotal(items []Offer) float64 {
	var sum float64
	for _, o := range items {
		sum += o.total()
	}
	return round2(sum)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
