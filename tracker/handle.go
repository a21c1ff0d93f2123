package tracker

// slotSet owns zero or one release per observer kind for a single element,
// plus any number of event listener releases.
type slotSet struct {
	observers [numObserverKinds]Release
	listeners []Release
}

func (s *slotSet) set(kind ObserverKind, r Release) {
	if prev := s.observers[kind]; prev != nil {
		prev()
	}
	s.observers[kind] = r
}

func (s *slotSet) listen(r Release) {
	s.listeners = append(s.listeners, r)
}

func (s *slotSet) release() {
	for i, r := range s.observers {
		if r != nil {
			r()
			s.observers[i] = nil
		}
	}
	for _, r := range s.listeners {
		if r != nil {
			r()
		}
	}
	s.listeners = nil
}

// arena is the resource record of a tracker: one slotSet per bound element.
// release is total and may be called any number of times.
type arena struct {
	slots []*slotSet
}

func (a *arena) add() *slotSet {
	s := &slotSet{}
	a.slots = append(a.slots, s)
	return s
}

func (a *arena) release() {
	for _, s := range a.slots {
		s.release()
	}
	a.slots = nil
}

// live counts the releases still held.
func (a *arena) live() int {
	n := 0
	for _, s := range a.slots {
		for _, r := range s.observers {
			if r != nil {
				n++
			}
		}
		n += len(s.listeners)
	}
	return n
}
