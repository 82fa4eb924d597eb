// Package meeting runs lifecycle-managed broadcast conversations.
//
// A meeting moves Scheduled -> Active -> Ended. Messages may only be sent
// while it is Active, only by participants, and each one receives the next
// number of the meeting's sequence: 1, 2, 3, ... with no gaps or repeats,
// even under concurrent senders. The number is allocated by the store in the
// same transaction that saves the message. Delivery to participants runs
// after the meeting lock is released, so handlers may send to the meeting
// themselves; receivers order concurrent messages by sequence number.
//
// Invalid transitions return *StateError and leave the stored meeting
// untouched. A sender outside the participant list gets a
// *protocol.DeliveryError with reason NotAParticipant.
package meeting
