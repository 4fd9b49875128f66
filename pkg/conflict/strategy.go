package conflict

// RankResolver reports an agent's declared rank. Higher ranks win priority-based resolution.
type RankResolver interface {
	Rank(agent string) int
}

// decide applies strategy s to the votes in c. It never mutates c.
func decide(c *Conflict, s Strategy, ranks RankResolver, intN func(int) int) (string, map[string]float64, error) {
	if s != StrategyConsensus && len(c.Votes) == 0 {
		return "", nil, &NoVotesError{Conflict: c.ID, Strategy: s}
	}

	switch s {
	case StrategyMajority:
		return byMajority(c)
	case StrategyConsensus:
		return byConsensus(c)
	case StrategyPriority:
		return byPriority(c, ranks)
	case StrategyWeighted:
		return byWeight(c)
	case StrategyTime:
		return byTime(c)
	case StrategyRandom:
		return byRandom(c, intN)
	default:
		return "", nil, &ValidationError{Field: "strategy", Reason: s.Validate().Error()}
	}
}

func countTally(c *Conflict) map[string]float64 {
	tally := make(map[string]float64, len(c.Options))
	for id, n := range c.Counts() {
		tally[id] = float64(n)
	}
	return tally
}

// best returns the first option in declaration order holding the highest score.
func best(c *Conflict, tally map[string]float64) string {
	winner := ""
	top := 0.0
	for _, o := range c.Options {
		score := tally[o.ID]
		if winner == "" || score > top {
			winner, top = o.ID, score
		}
	}
	return winner
}

func byMajority(c *Conflict) (string, map[string]float64, error) {
	tally := countTally(c)
	return best(c, tally), tally, nil
}

func byConsensus(c *Conflict) (string, map[string]float64, error) {
	counts := c.Counts()
	var missing []string
	for _, a := range c.Agents {
		if _, voted := c.Votes[a]; !voted {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return "", nil, &NoConsensusError{Conflict: c.ID, Tally: counts, Missing: missing}
	}
	for id, n := range counts {
		if n == len(c.Agents) {
			return id, countTally(c), nil
		}
	}
	return "", nil, &NoConsensusError{Conflict: c.ID, Tally: counts}
}

func byPriority(c *Conflict, ranks RankResolver) (string, map[string]float64, error) {
	rank := func(agent string) int {
		if ranks == nil {
			return 0
		}
		return ranks.Rank(agent)
	}

	tally := make(map[string]float64, len(c.Options))
	for _, o := range c.Options {
		tally[o.ID] = 0
	}
	winner := ""
	top := 0
	for _, a := range c.Agents {
		v, voted := c.Votes[a]
		if !voted {
			continue
		}
		r := rank(a)
		if float64(r) > tally[v.OptionID] {
			tally[v.OptionID] = float64(r)
		}
		if winner == "" || r > top {
			winner, top = v.OptionID, r
		}
	}
	return winner, tally, nil
}

func byWeight(c *Conflict) (string, map[string]float64, error) {
	tally := make(map[string]float64, len(c.Options))
	for _, o := range c.Options {
		tally[o.ID] = 0
	}
	for _, v := range c.Votes {
		o, _ := c.option(v.OptionID)
		tally[v.OptionID] += o.weight()
	}
	return best(c, tally), tally, nil
}

func byTime(c *Conflict) (string, map[string]float64, error) {
	var first *Vote
	for _, v := range c.Votes {
		v := v
		if first == nil || v.CastAt.Before(first.CastAt) ||
			(v.CastAt.Equal(first.CastAt) && v.Seq < first.Seq) {
			first = &v
		}
	}
	return first.OptionID, countTally(c), nil
}

func byRandom(c *Conflict, intN func(int) int) (string, map[string]float64, error) {
	counts := c.Counts()
	var candidates []string
	for _, o := range c.Options {
		if counts[o.ID] > 0 {
			candidates = append(candidates, o.ID)
		}
	}
	return candidates[intN(len(candidates))], countTally(c), nil
}
