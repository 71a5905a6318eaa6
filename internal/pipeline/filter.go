package pipeline

import (
	"context"
	"fmt"
	"strings"

	"lookout/internal/store"
)

// filter evaluates the topic's rules against the item. A rule match
// failure is recorded in Meta["failed_rule"]; a returned error means the
// rules could not be loaded. Rule semantics:
//
//	keyword       at least one keyword rule must match (case-insensitive
//	              substring) when any are configured
//	keyword_deny  no deny rule may match
//	hashtag       every hashtag rule must be present on the item
//	account       item author matches the value and is verified
//	mention       item mentions the value
//	redirect      author or mention match re-targets the item to the
//	              rule's target topic; never rejects
//
// account and mention rules form one group: when either kind is
// configured, at least one must match.
func (p *Pipeline) filter(ctx context.Context, pc *Context) error {
	rules, err := p.storage.ListFilterRules(ctx, pc.TopicID, p.cfg.MaxRulesPerTopic)
	if err != nil {
		return fmt.Errorf("load filter rules: %w", err)
	}

	text := strings.ToLower(pc.Post.Text)
	tags := make(map[string]struct{}, len(pc.Post.Hashtags))
	for _, t := range pc.Post.Hashtags {
		tags[strings.ToLower(strings.TrimPrefix(t, "#"))] = struct{}{}
	}

	var (
		keywordRules  int
		keywordHit    bool
		identityRules int
		identityHit   bool
	)

	for _, rule := range rules {
		value := strings.ToLower(strings.TrimSpace(rule.Value))
		if value == "" || len(value) > p.cfg.MaxKeywordLength {
			continue
		}
		switch rule.Type {
		case store.RuleKeyword:
			keywordRules++
			if strings.Contains(text, value) {
				keywordHit = true
			}
		case store.RuleKeywordDeny:
			if strings.Contains(text, value) {
				pc.Meta["failed_rule"] = ruleLabel(rule)
				return nil
			}
		case store.RuleHashtag:
			if _, ok := tags[strings.TrimPrefix(value, "#")]; !ok {
				pc.Meta["failed_rule"] = ruleLabel(rule)
				return nil
			}
		case store.RuleAccount:
			identityRules++
			if pc.Post.Verified && handleEquals(pc.Post.AuthorHandle, value) {
				identityHit = true
			}
		case store.RuleMention:
			identityRules++
			if mentions(pc.Post.Mentions, value) {
				identityHit = true
			}
		case store.RuleRedirect:
			if rule.Target.Valid && (handleEquals(pc.Post.AuthorHandle, value) || mentions(pc.Post.Mentions, value)) {
				pc.Meta["redirected_from"] = pc.TopicID
				pc.TopicID = rule.Target.String
			}
		default:
			p.logger.WithField("rule_type", rule.Type).Warn("Unknown filter rule type, skipping")
		}
	}

	if keywordRules > 0 && !keywordHit {
		pc.Meta["failed_rule"] = "keyword"
	} else if identityRules > 0 && !identityHit {
		pc.Meta["failed_rule"] = "account"
	}
	return nil
}

func ruleLabel(rule store.FilterRule) string {
	return rule.Type + ":" + rule.Value
}

func handleEquals(handle, value string) bool {
	return strings.EqualFold(strings.TrimPrefix(handle, "@"), strings.TrimPrefix(value, "@"))
}

func mentions(list []string, value string) bool {
	for _, m := range list {
		if handleEquals(m, value) {
			return true
		}
	}
	return false
}
