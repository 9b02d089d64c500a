package broadcast

import "github.com/ggoodman/taskrpc/sessions"

// ChatRoom matches every chat session, the sender's included.
func ChatRoom() Predicate {
	return func(s *sessions.Session) bool { return s.Kind() == sessions.KindChat }
}

// TaskNotificationsFor matches notification streams owned by ownerID.
func TaskNotificationsFor(ownerID string) Predicate {
	return func(s *sessions.Session) bool {
		return s.Kind() == sessions.KindTaskNotifications && s.Owner().SubjectID == ownerID
	}
}

// TaskStreamFor matches task streams owned by ownerID whose filter accepts
// a task with the given completion state.
func TaskStreamFor(ownerID string, completed bool) Predicate {
	return func(s *sessions.Session) bool {
		return s.Kind() == sessions.KindTaskStream &&
			s.Owner().SubjectID == ownerID &&
			s.Filter().Matches(completed)
	}
}

// All matches when every predicate matches.
func All(preds ...Predicate) Predicate {
	return func(s *sessions.Session) bool {
		for _, p := range preds {
			if !p(s) {
				return false
			}
		}
		return true
	}
}
