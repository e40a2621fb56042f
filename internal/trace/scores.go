package trace

// NormalizeScores accepts either shape quality evaluators emit for
// per-principle scores — a list of {id, score} records or a flat map of
// id to score — and normalizes it into one canonical map. The ambiguity
// stops here; downstream code only ever sees the map form. Unknown
// shapes yield nil.
func NormalizeScores(raw any) map[string]float64 {
	switch v := raw.(type) {
	case map[string]float64:
		return v
	case map[string]int:
		out := make(map[string]float64, len(v))
		for k, n := range v {
			out[k] = float64(n)
		}
		return out
	case map[string]any:
		out := make(map[string]float64, len(v))
		for k, item := range v {
			if f, ok := asFloat(item); ok {
				out[k] = f
			}
		}
		return out
	case []any:
		out := make(map[string]float64, len(v))
		for _, item := range v {
			rec, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, ok := rec["id"].(string)
			if !ok {
				continue
			}
			if f, ok := asFloat(rec["score"]); ok {
				out[id] = f
			}
		}
		return out
	case []map[string]any:
		out := make(map[string]float64, len(v))
		for _, rec := range v {
			id, ok := rec["id"].(string)
			if !ok {
				continue
			}
			if f, ok := asFloat(rec["score"]); ok {
				out[id] = f
			}
		}
		return out
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
