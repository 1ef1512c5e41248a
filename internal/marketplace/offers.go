package marketplace

import (
	"sort"
	"strings"

	"github.com/museforge/muse-backend/internal/config"
	"github.com/museforge/muse-backend/internal/models"
	"github.com/shopspring/decimal"
)

// Criteria is the offer eligibility policy. Decimal ceilings are parsed once
// from config so filtering never fails mid-search.
type Criteria struct {
	MaxPricePerHour   decimal.Decimal
	MinGPURAMMB       int
	MinDiskGB         int
	MinCudaCapability float64
	MinReliability    float64
	MinInetDownMbps   float64
	MaxInetDownCostTB decimal.Decimal
	MaxInetUpCostTB   decimal.Decimal
	ExcludedRegions   []string
}

// CriteriaFromConfig builds the eligibility policy from loaded config.
// Unparseable decimal strings fall back to permissive zero ceilings rather
// than failing startup; the values are validated defaults in practice.
func CriteriaFromConfig(cfg *config.Config) Criteria {
	return Criteria{
		MaxPricePerHour:   parseDecimal(cfg.MaxPricePerHour),
		MinGPURAMMB:       cfg.MinGPURAMMB,
		MinDiskGB:         cfg.MinDiskGB,
		MinCudaCapability: cfg.MinCudaCapability,
		MinReliability:    cfg.MinReliability,
		MinInetDownMbps:   cfg.MinInetDownMbps,
		MaxInetDownCostTB: parseDecimal(cfg.MaxInetDownCostTB),
		MaxInetUpCostTB:   parseDecimal(cfg.MaxInetUpCostTB),
		ExcludedRegions:   cfg.ExcludedRegions,
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// rangeFilter is the marketplace's comparison-operator query syntax.
type rangeFilter map[string]interface{}

// buildQuery assembles the server-side search filters. Relaxed mode keeps
// the hard constraints (price, VRAM, disk, rentable) and drops the quality
// gates so a saturated market still yields candidates.
func buildQuery(c Criteria, relaxed bool) map[string]interface{} {
	q := map[string]interface{}{
		"rentable":   rangeFilter{"eq": true},
		"external":   rangeFilter{"eq": false},
		"dph_total":  rangeFilter{"lte": c.MaxPricePerHour.InexactFloat64()},
		"gpu_ram":    rangeFilter{"gte": c.MinGPURAMMB},
		"disk_space": rangeFilter{"gte": c.MinDiskGB},
		"order":      [][]string{{"dph_total", "asc"}},
		"type":       "ask",
	}
	if c.MinCudaCapability > 0 {
		q["cuda_max_good"] = rangeFilter{"gte": c.MinCudaCapability}
	}
	if !relaxed {
		q["verified"] = rangeFilter{"eq": true}
		if c.MinReliability > 0 {
			q["reliability2"] = rangeFilter{"gte": c.MinReliability}
		}
		if c.MinInetDownMbps > 0 {
			q["inet_down"] = rangeFilter{"gte": c.MinInetDownMbps}
		}
	}
	return q
}

// FilterEligible applies the client-side pass: everything the server-side
// query cannot express, plus re-checks of filters hosts are known to
// misreport. Relaxed mode skips verification, reliability, and download
// speed, never price, VRAM, disk, or GPU compatibility.
func FilterEligible(offers []models.Offer, c Criteria, relaxed bool) []models.Offer {
	eligible := make([]models.Offer, 0, len(offers))
	for _, o := range offers {
		if !o.Rentable || o.Rented {
			continue
		}
		if o.PricePerHour.GreaterThan(c.MaxPricePerHour) {
			continue
		}
		if o.TotalVRAMMB() < c.MinGPURAMMB {
			continue
		}
		if o.DiskSpaceGB < float64(c.MinDiskGB) {
			continue
		}
		if !models.GPUCompatible(o.CudaCapability, c.MinCudaCapability) {
			continue
		}
		if excludedRegion(o.Geolocation, c.ExcludedRegions) {
			continue
		}
		if c.MaxInetDownCostTB.IsPositive() && o.InetDownCostTB.GreaterThan(c.MaxInetDownCostTB) {
			continue
		}
		if c.MaxInetUpCostTB.IsPositive() && o.InetUpCostTB.GreaterThan(c.MaxInetUpCostTB) {
			continue
		}
		if !relaxed {
			if !o.IsVerified() {
				continue
			}
			if c.MinReliability > 0 && o.Reliability < c.MinReliability {
				continue
			}
			if c.MinInetDownMbps > 0 && o.InetDownMbps < c.MinInetDownMbps {
				continue
			}
		}
		eligible = append(eligible, o)
	}
	return eligible
}

func excludedRegion(geolocation string, excluded []string) bool {
	geo := strings.ToLower(geolocation)
	for _, region := range excluded {
		if region != "" && strings.Contains(geo, strings.ToLower(region)) {
			return true
		}
	}
	return false
}

// Score weights for composite ranking. Performance dominates, then network,
// then host reliability, with a small value-for-money component.
const (
	weightPerformance = 0.4
	weightNetwork     = 0.3
	weightReliability = 0.2
	weightValue       = 0.1
)

// RankOffers sorts offers best-first by a composite score normalized within
// the candidate set. Ties and missing metrics degrade toward cheapest-first.
func RankOffers(offers []models.Offer) []models.Offer {
	if len(offers) <= 1 {
		return offers
	}

	maxPerf, maxNet := 0.0, 0.0
	maxPrice := decimal.Zero
	for _, o := range offers {
		if o.DLPerf > maxPerf {
			maxPerf = o.DLPerf
		}
		if o.InetDownMbps > maxNet {
			maxNet = o.InetDownMbps
		}
		if o.PricePerHour.GreaterThan(maxPrice) {
			maxPrice = o.PricePerHour
		}
	}

	score := func(o models.Offer) float64 {
		perf, network, value := 0.0, 0.0, 0.0
		if maxPerf > 0 {
			perf = o.DLPerf / maxPerf
		}
		if maxNet > 0 {
			network = o.InetDownMbps / maxNet
		}
		if maxPrice.IsPositive() {
			// Cheaper is better; invert the normalized price.
			value = 1 - o.PricePerHour.Div(maxPrice).InexactFloat64()
		}
		return perf*weightPerformance +
			network*weightNetwork +
			o.Reliability*weightReliability +
			value*weightValue
	}

	ranked := make([]models.Offer, len(offers))
	copy(ranked, offers)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := score(ranked[i]), score(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].PricePerHour.LessThan(ranked[j].PricePerHour)
	})
	return ranked
}
