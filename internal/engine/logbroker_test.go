package engine

import (
	"fmt"
	"testing"
)

func drain(ch <-chan string) []string {
	var got []string
	for l := range ch {
		got = append(got, l)
	}
	return got
}

func TestLogBrokerFanOut(t *testing.T) {
	b := NewLogBroker()
	ch1, unsub1 := b.Subscribe("run-1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("run-1")
	defer unsub2()

	b.Publish("run-1", "epoch 1")
	b.Publish("run-1", "epoch 2")
	b.Publish("run-2", "other run")
	b.Close("run-1")

	for i, ch := range []<-chan string{ch1, ch2} {
		got := drain(ch)
		if len(got) != 2 || got[0] != "epoch 1" || got[1] != "epoch 2" {
			t.Errorf("subscriber %d got %v, want [epoch 1 epoch 2]", i+1, got)
		}
	}
}

func TestLogBrokerReplaysRecentLines(t *testing.T) {
	b := NewLogBroker()
	for i := range replayLines + 5 {
		b.Publish("run-1", fmt.Sprintf("line %d", i))
	}

	ch, unsub := b.Subscribe("run-1")
	defer unsub()
	b.Publish("run-1", "live")
	b.Close("run-1")

	got := drain(ch)
	if len(got) != replayLines+1 {
		t.Fatalf("got %d lines, want %d", len(got), replayLines+1)
	}
	if got[0] != "line 5" || got[len(got)-1] != "live" {
		t.Errorf("got first %q last %q, want line 5 and live", got[0], got[len(got)-1])
	}
}

func TestLogBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := NewLogBroker()
	b.Publish("run-1", "before close")
	b.Close("run-1")
	b.Close("run-1")

	ch, unsub := b.Subscribe("run-1")
	defer unsub()
	if got := drain(ch); len(got) != 0 {
		t.Errorf("got %v, want no lines", got)
	}
}

func TestLogBrokerForgetsOldRuns(t *testing.T) {
	b := NewLogBroker()
	for i := range finishedRetention + 10 {
		b.Close(fmt.Sprintf("run-%d", i))
	}
	if got := len(b.runs); got != finishedRetention {
		t.Errorf("retained %d runs, want %d", got, finishedRetention)
	}
	if _, ok := b.runs["run-0"]; ok {
		t.Error("oldest run still retained")
	}
}

func TestLogBrokerUnsubscribe(t *testing.T) {
	b := NewLogBroker()
	ch, unsub := b.Subscribe("run-1")
	unsub()
	unsub()

	b.Publish("run-1", "dropped")
	if got := drain(ch); len(got) != 0 {
		t.Errorf("got %v after unsubscribe, want none", got)
	}
	b.Close("run-1")
}

func TestLogBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewLogBroker()
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	for range 100 {
		b.Publish("run-1", "line")
	}
	b.Close("run-1")

	if got := drain(ch); len(got) != subscriberBuffer {
		t.Errorf("got %d lines, want buffer size %d", len(got), subscriberBuffer)
	}
}
