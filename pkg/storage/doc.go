/*
Package storage persists the strata super block in a BoltDB database.

The super block is a single JSON record: the instance nonce, the
read-only flag and its cause, and the set of dirty slabs whose
journals still need replay. Recovery loads it at activation to
populate the scrubber's queues; the read-only notifier saves it when
the engine transitions to read-only mode.

Access to the super block is serialized one layer up (readonly
package); this package only provides durable load/save.
*/
package storage
