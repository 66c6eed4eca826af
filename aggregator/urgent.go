package aggregator

type urgentRequest struct {
	node   NodeID
	shards []ShardID
}

// urgentQueue is drained one request per loop turn.
type urgentQueue struct {
	items    []urgentRequest
	inFlight bool // drain self-event pending
}

func (q *urgentQueue) push(r urgentRequest) { q.items = append(q.items, r) }

func (q *urgentQueue) pop() (urgentRequest, bool) {
	if len(q.items) == 0 {
		return urgentRequest{}, false
	}
	r := q.items[0]
	q.items[0] = urgentRequest{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return r, true
}

func (q *urgentQueue) len() int { return len(q.items) }

func (a *Aggregator) enqueueUrgent(r urgentRequest) {
	a.urgent.push(r)
	if !a.urgent.inFlight {
		a.d.send(evProcessUrgent{})
		a.urgent.inFlight = true
	}
}

func (a *Aggregator) onProcessUrgent() {
	a.urgent.inFlight = false

	r, ok := a.urgent.pop()
	if !ok {
		return
	}
	if a.urgent.len() > 0 {
		a.d.send(evProcessUrgent{})
		a.urgent.inFlight = true
	}
	a.sendStatisticsToNode(r.node, r.shards)
}
