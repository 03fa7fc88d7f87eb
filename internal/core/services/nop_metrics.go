package services

import "stagelink/internal/core/ports"

type nopMetrics struct{}

// NopMetrics discards every negotiation event.
func NopMetrics() ports.NegotiationMetrics { return nopMetrics{} }

func (nopMetrics) NegotiatorStarted()            {}
func (nopMetrics) NegotiatorStopped()            {}
func (nopMetrics) OfferSent()                    {}
func (nopMetrics) AnswerSent()                   {}
func (nopMetrics) CollisionIgnored()             {}
func (nopMetrics) Rollback()                     {}
func (nopMetrics) Restarted()                    {}
func (nopMetrics) RetriesExhausted()             {}
func (nopMetrics) ICERestarted()                 {}
func (nopMetrics) CandidateBuffered()            {}
func (nopMetrics) CandidateApplied(bool)         {}
func (nopMetrics) ConnectionStateChanged(string) {}
func (nopMetrics) SignalDropped(string)          {}
func (nopMetrics) RemoteTrackAdded(string)       {}
