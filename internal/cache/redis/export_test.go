package redis

// DecodeEntry exposes decodeEntry to tests.
var DecodeEntry = decodeEntry
