package llm

import "github.com/mockingb1rdblue/bifrost-bridge/internal/models"

// ApplyCall folds one provider call into m.
func ApplyCall(m *models.RouterMetrics, provider string, tokens int, err error) {
	p := m.Provider(provider)
	m.TotalRequests++
	p.Requests++
	if err != nil {
		m.ErrorCount++
		p.Failures++
		return
	}
	m.SuccessCount++
	m.TokensConsumed += int64(tokens)
	p.Successes++
	p.Tokens += int64(tokens)
}
