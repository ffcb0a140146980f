package engine_test

import (
	"fmt"
	"math/rand"
	"testing"

	. "matchcore/internal/common"
	"matchcore/internal/engine"

	"github.com/shopspring/decimal"
)

// randomOrders generates a stream of limit orders with prices drawn from a
// normal distribution around midpoint and exponentially distributed sizes.
func randomOrders(n int, midpoint float64, seed int64) []Order {
	rng := rand.New(rand.NewSource(seed))
	orders := make([]Order, n)
	for i := range orders {
		side := Buy
		if rng.Intn(2) == 1 {
			side = Sell
		}
		price := decimal.NewFromFloat(midpoint + rng.NormFloat64()*5).Round(2)
		if !price.IsPositive() {
			price = decimal.NewFromFloat(0.01)
		}
		qty := int64(rng.ExpFloat64()*20) + 1
		orders[i] = NewLimitOrder(fmt.Sprintf("bench-%d", i), side, price, qty)
	}
	return orders
}

func BenchmarkProcess(b *testing.B) {
	for _, n := range []int{1_000, 10_000, 100_000} {
		orders := randomOrders(n, 100, 1)
		b.Run(fmt.Sprintf("orders=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				eng := engine.New()
				for _, order := range orders {
					if _, err := eng.Process(order); err != nil {
						b.Fatal(err)
					}
				}
			}
			b.ReportMetric(float64(n*b.N)/b.Elapsed().Seconds(), "orders/s")
		})
	}
}
