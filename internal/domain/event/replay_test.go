package event

import (
	"testing"

	"github.com/Strob0t/switchboard/internal/domain/task"
)

func TestReplayFilter(t *testing.T) {
	var events []Transition
	for i := 1; i <= 5; i++ {
		events = append(events, Transition{TaskID: "t1", Record: task.Transition{Seq: i}})
	}
	events = append(events, Transition{TaskID: "t2", Record: task.Transition{Seq: 9}})

	res := ReplayRequest{TaskID: "t1", AfterSeq: 2, Limit: 2}.Filter(events)
	if res.Count != 2 || res.Events[0].Record.Seq != 3 || res.Events[1].Record.Seq != 4 {
		t.Fatalf("unexpected replay %+v", res)
	}

	res = ReplayRequest{TaskID: "t2"}.Filter(events)
	if res.Count != 1 {
		t.Fatalf("expected only t2 events, got %d", res.Count)
	}
}
