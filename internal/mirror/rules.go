package mirror

import (
	"sync"

	"github.com/betbot/tradebot/internal/domain"
)

// RuleBook 内存规则表，RuleSource 的默认实现。
// 宿主应用的 UI 层增删规则，镜像器并发只读。
type RuleBook struct {
	mu    sync.RWMutex
	rules map[string]domain.TradeMirrorRule // rule ID -> rule
}

func NewRuleBook() *RuleBook {
	return &RuleBook{rules: make(map[string]domain.TradeMirrorRule)}
}

// Put 新增或更新规则。
func (b *RuleBook) Put(rule domain.TradeMirrorRule) {
	b.mu.Lock()
	b.rules[rule.ID] = rule
	b.mu.Unlock()
}

// Remove 删除规则。
func (b *RuleBook) Remove(id string) {
	b.mu.Lock()
	delete(b.rules, id)
	b.mu.Unlock()
}

// ActiveRules 返回指向某交易员的所有生效规则。
func (b *RuleBook) ActiveRules(trader string) []domain.TradeMirrorRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.TradeMirrorRule
	for _, r := range b.rules {
		if r.Active && r.TraderAddress.Hex() == trader {
			out = append(out, r)
		}
	}
	return out
}

// Len 规则总数。
func (b *RuleBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rules)
}
