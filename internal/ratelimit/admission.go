package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"futures_bot/pkg/logger"
)

// Priority упорядочивает ожидающих: CRITICAL > HIGH > MEDIUM > LOW,
// внутри одного приоритета — FIFO по времени постановки в очередь.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	}
	return "LOW"
}

type waiter struct {
	cat   Category
	prio  Priority
	seq   uint64
	index int // heap bookkeeping
	ch    chan struct{}
}

type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }
func (q waiterQueue) Less(i, j int) bool {
	if q[i].prio != q[j].prio {
		return q[i].prio > q[j].prio
	}
	return q[i].seq < q[j].seq
}
func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// Admission — единственные ворота для всех исходящих вызовов биржи.
// Общий для всех symbol-циклов; блокирует только того, кто ждёт слот.
type Admission struct {
	budget *Budget

	mu        sync.Mutex
	queue     waiterQueue
	seq       uint64
	wakeTimer *time.Timer

	// аварийный байпас для CRITICAL (эскалация в маркет): ограниченное
	// число проходов без слота на окно, каждый логируется как violation.
	bypassCap  int
	bypassUsed []time.Time

	metrics *Metrics
}

func NewAdmission(budget *Budget, bypassCap int, metrics *Metrics) *Admission {
	if bypassCap <= 0 {
		bypassCap = 3
	}
	return &Admission{
		budget:    budget,
		bypassCap: bypassCap,
		metrics:   metrics,
	}
}

// CanAdmit — неблокирующая проверка. Для CRITICAL при исчерпанном бюджете
// пробует аварийный байпас: correctness состояния позиции важнее строгого
// соблюдения лимита.
func (a *Admission) CanAdmit(cat Category, prio Priority) (bool, string) {
	if ok, reason := a.budget.CanAfford(cat); ok {
		a.budget.Hold(cat)
		a.metrics.observe(cat, outcomeGranted)
		return true, reason
	} else if prio == PriorityCritical && a.takeBypass() {
		logger.Error("rate budget violation: CRITICAL bypass for %s", cat)
		a.budget.Hold(cat)
		a.metrics.observe(cat, outcomeBypass)
		return true, "emergency bypass"
	} else {
		a.metrics.observe(cat, outcomeDenied)
		return false, reason
	}
}

func (a *Admission) takeBypass() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-a.budget.Window())
	used := a.bypassUsed[:0]
	for _, t := range a.bypassUsed {
		if t.After(cutoff) {
			used = append(used, t)
		}
	}
	a.bypassUsed = used
	if len(a.bypassUsed) >= a.bypassCap {
		return false
	}
	a.bypassUsed = append(a.bypassUsed, time.Now())
	return true
}

// WaitForSlot блокирует вызывающего до появления ёмкости или таймаута.
// false означает отказ: у вызывающего должен быть фолбэк (кэш, пропуск
// цикла). Сам контроллер ошибок не порождает.
func (a *Admission) WaitForSlot(ctx context.Context, cat Category, prio Priority, timeout time.Duration) bool {
	a.mu.Lock()
	if ok, _ := a.budget.CanAfford(cat); ok && !a.someoneAheadLocked(cat, prio) {
		a.budget.Hold(cat)
		a.mu.Unlock()
		a.metrics.observe(cat, outcomeGranted)
		return true
	}
	w := &waiter{cat: cat, prio: prio, seq: a.seq, ch: make(chan struct{}, 1)}
	a.seq++
	heap.Push(&a.queue, w)
	a.metrics.setWaiters(len(a.queue))
	a.scheduleWakeLocked()
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		a.metrics.observe(cat, outcomeGranted)
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	a.mu.Lock()
	if w.index >= 0 {
		heap.Remove(&a.queue, w.index)
	}
	a.metrics.setWaiters(len(a.queue))
	a.mu.Unlock()

	// поздний grant, проскочивший одновременно с таймаутом
	select {
	case <-w.ch:
		a.metrics.observe(cat, outcomeGranted)
		return true
	default:
	}

	if prio == PriorityCritical && ctx.Err() == nil && a.takeBypass() {
		logger.Error("rate budget violation: CRITICAL bypass for %s after wait timeout", cat)
		a.budget.Hold(cat)
		a.metrics.observe(cat, outcomeBypass)
		return true
	}
	a.metrics.observe(cat, outcomeDenied)
	return false
}

// someoneAheadLocked: нельзя обгонять уже ожидающих той же категории
// с приоритетом не ниже нашего (FIFO внутри приоритета).
func (a *Admission) someoneAheadLocked(cat Category, prio Priority) bool {
	for _, w := range a.queue {
		if w.cat == cat && w.prio >= prio {
			return true
		}
	}
	return false
}

// Record фиксирует исход реального вызова: вес списывается только если
// запрос был фактически отправлен. Неудача до отправки возвращает резерв
// допуска, не трогая закоммиченный бюджет.
func (a *Admission) Record(cat Category, attempted bool) {
	a.budget.ReleaseHold(cat)
	if attempted {
		a.budget.Commit(cat)
		a.metrics.setConsumed(cat, a.budget.Consumed(cat))
	}
	a.mu.Lock()
	a.releaseLocked()
	a.scheduleWakeLocked()
	a.mu.Unlock()
}

// releaseLocked выпускает ожидающих в порядке приоритет/FIFO. Ожидающий,
// чья категория всё ещё без ёмкости, пропускается: он не должен
// блокировать чужие категории, его разбудит таймер окна. Каждый выпуск
// резервирует вес, поэтому цикл выдаёт ровно столько грантов, сколько
// есть свободных слотов.
func (a *Admission) releaseLocked() {
	for {
		best := a.bestAffordableLocked()
		if best < 0 {
			return
		}
		w := a.queue[best]
		heap.Remove(&a.queue, w.index)
		a.metrics.setWaiters(len(a.queue))
		a.budget.Hold(w.cat)
		w.ch <- struct{}{}
	}
}

func (a *Admission) bestAffordableLocked() int {
	best := -1
	for j := range a.queue {
		if ok, _ := a.budget.CanAfford(a.queue[j].cat); !ok {
			continue
		}
		if best == -1 || a.queue.Less(j, best) {
			best = j
		}
	}
	return best
}

// scheduleWakeLocked взводит таймер на момент, когда окно освободит
// ёмкость для кого-то из очереди.
func (a *Admission) scheduleWakeLocked() {
	if a.wakeTimer != nil {
		a.wakeTimer.Stop()
		a.wakeTimer = nil
	}
	if len(a.queue) == 0 {
		return
	}
	var earliest time.Time
	for _, w := range a.queue {
		at := a.budget.NextFreeAt(w.cat)
		if at.IsZero() {
			earliest = time.Now()
			break
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	d := time.Until(earliest)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	a.wakeTimer = time.AfterFunc(d, func() {
		a.mu.Lock()
		a.releaseLocked()
		a.scheduleWakeLocked()
		a.mu.Unlock()
	})
}

// QueueLen — для health-снимка.
func (a *Admission) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
