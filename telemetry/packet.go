package telemetry

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/sigurn/crc16"

	"rm_arm/posemath"
)

// Packet layout, little endian:
//
//	0   magic u16
//	2   version u8
//	3   error marker u8 (non-zero: controller flagged the sample)
//	4   dof u8
//	5   arm status u8
//	6   sections u16
//	8   seq u32
//	12  arm ip [16]byte, NUL padded
//	28  pose (posemath.EncodedPoseSize)
//	68  7 joint blocks of 24 bytes
//	236 error count u8, 3 pad, 24 x i32
//	336 force: raw 6 x f32, zeroed 6 x f32, coordinate i32
//	388 lift, 400 expand: position i32, current i32, err u16, mode u16
//	412 hand: angle 6 x i16, pos 6 x i32, force 6 x i16, err u16, status u16
//	464 crc16/MODBUS over bytes [0, 464)
const (
	PacketMagic   = 0x524D
	PacketVersion = 1
	PacketSize    = 466

	offVersion  = 2
	offMarker   = 3
	offDOF      = 4
	offStatus   = 5
	offSections = 6
	offSeq      = 8
	offIP       = 12
	ipLen       = 16
	offPose     = 28
	offJoints   = 68
	jointSize   = 24
	offErrors   = 236
	maxErrors   = 24
	offForce    = 336
	offLift     = 388
	offExpand   = 400
	offHand     = 412
	offCRC      = 464
)

// Section flags in the packet header.
const (
	SectionForce uint16 = 1 << iota
	SectionLift
	SectionExpand
	SectionHand
)

var (
	errShortPacket = errors.New("short packet")
	errBadMagic    = errors.New("bad magic")
	errBadCRC      = errors.New("crc mismatch")
	errMarked      = errors.New("packet flagged as error by controller")

	modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)
)

func crc16Modbus(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

func f32(b []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

func putF32(b []byte, v float64) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
}

// DecodePacket validates and decodes one datagram.
func DecodePacket(b []byte) (Snapshot, error) {
	if len(b) < PacketSize {
		return Snapshot{}, errors.Wrapf(errShortPacket, "%d bytes", len(b))
	}
	if binary.LittleEndian.Uint16(b) != PacketMagic {
		return Snapshot{}, errBadMagic
	}
	if b[offVersion] != PacketVersion {
		return Snapshot{}, errors.Errorf("unsupported packet version %d", b[offVersion])
	}
	if want, got := binary.LittleEndian.Uint16(b[offCRC:]), crc16Modbus(b[:offCRC]); want != got {
		return Snapshot{}, errors.Wrapf(errBadCRC, "want 0x%04X got 0x%04X", want, got)
	}
	if b[offMarker] != 0 {
		return Snapshot{}, errMarked
	}
	dof := int(b[offDOF])
	if dof < 1 || dof > posemath.MaxDOF {
		return Snapshot{}, errors.Errorf("invalid dof %d", dof)
	}

	pose, err := posemath.DecodePose(b[offPose : offPose+posemath.EncodedPoseSize])
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "pose")
	}

	s := Snapshot{
		Seq:       binary.LittleEndian.Uint32(b[offSeq:]),
		ArmIP:     string(bytes.TrimRight(b[offIP:offIP+ipLen], "\x00")),
		ArmStatus: ArmStatus(b[offStatus]),
		Pose:      pose,
		Joints:    make([]JointStatus, dof),
	}

	for i := 0; i < dof; i++ {
		j := b[offJoints+i*jointSize:]
		s.Joints[i] = JointStatus{
			Position:    f32(j[0:]),
			Current:     f32(j[4:]),
			Voltage:     f32(j[8:]),
			Temperature: f32(j[12:]),
			Speed:       f32(j[16:]),
			ErrCode:     binary.LittleEndian.Uint16(j[20:]),
			Enabled:     j[22] != 0,
		}
	}

	n := int(b[offErrors])
	if n > maxErrors {
		return Snapshot{}, errors.Errorf("error count %d exceeds %d", n, maxErrors)
	}
	s.Errors = make([]int32, n)
	for i := 0; i < n; i++ {
		s.Errors[i] = int32(binary.LittleEndian.Uint32(b[offErrors+4+i*4:]))
	}

	sections := binary.LittleEndian.Uint16(b[offSections:])
	if sections&SectionForce != 0 {
		f := &ForceReading{Coordinate: ForceCoordinate(int32(binary.LittleEndian.Uint32(b[offForce+48:])))}
		for i := 0; i < 6; i++ {
			f.Raw[i] = f32(b[offForce+i*4:])
			f.Zeroed[i] = f32(b[offForce+24+i*4:])
		}
		s.Force = f
	}
	if sections&SectionLift != 0 {
		s.Lift = decodeLinearAxis(b[offLift:])
	}
	if sections&SectionExpand != 0 {
		s.Expand = decodeLinearAxis(b[offExpand:])
	}
	if sections&SectionHand != 0 {
		h := &HandState{}
		for i := 0; i < 6; i++ {
			h.Angle[i] = int16(binary.LittleEndian.Uint16(b[offHand+i*2:]))
			h.Pos[i] = int32(binary.LittleEndian.Uint32(b[offHand+12+i*4:]))
			h.Force[i] = int16(binary.LittleEndian.Uint16(b[offHand+36+i*2:]))
		}
		h.ErrFlag = binary.LittleEndian.Uint16(b[offHand+48:])
		h.Status = binary.LittleEndian.Uint16(b[offHand+50:])
		s.Hand = h
	}
	return s, nil
}

func decodeLinearAxis(b []byte) *LinearAxisState {
	return &LinearAxisState{
		Position: int32(binary.LittleEndian.Uint32(b[0:])),
		Current:  int32(binary.LittleEndian.Uint32(b[4:])),
		ErrFlag:  binary.LittleEndian.Uint16(b[8:]),
		Mode:     binary.LittleEndian.Uint16(b[10:]),
	}
}

func encodeLinearAxis(b []byte, a *LinearAxisState) {
	binary.LittleEndian.PutUint32(b[0:], uint32(a.Position))
	binary.LittleEndian.PutUint32(b[4:], uint32(a.Current))
	binary.LittleEndian.PutUint16(b[8:], a.ErrFlag)
	binary.LittleEndian.PutUint16(b[10:], a.Mode)
}

// EncodePacket serializes s in the broadcast layout. Controllers and
// simulators use it; the ErrCode field is not transmitted.
func EncodePacket(s Snapshot) ([]byte, error) {
	if len(s.Joints) < 1 || len(s.Joints) > posemath.MaxDOF {
		return nil, errors.Errorf("invalid joint count %d", len(s.Joints))
	}
	if len(s.Errors) > maxErrors {
		return nil, errors.Errorf("at most %d error codes, got %d", maxErrors, len(s.Errors))
	}
	if len(s.ArmIP) > ipLen {
		return nil, errors.Errorf("arm ip %q too long", s.ArmIP)
	}

	b := make([]byte, PacketSize)
	binary.LittleEndian.PutUint16(b, PacketMagic)
	b[offVersion] = PacketVersion
	b[offDOF] = byte(len(s.Joints))
	b[offStatus] = byte(s.ArmStatus)
	binary.LittleEndian.PutUint32(b[offSeq:], s.Seq)
	copy(b[offIP:], s.ArmIP)

	pose := s.Pose
	if pose.IsZero() {
		pose = posemath.ZeroPose()
	}
	posemath.EncodePose(b[offPose:], pose)

	for i, j := range s.Joints {
		o := b[offJoints+i*jointSize:]
		putF32(o[0:], j.Position)
		putF32(o[4:], j.Current)
		putF32(o[8:], j.Voltage)
		putF32(o[12:], j.Temperature)
		putF32(o[16:], j.Speed)
		binary.LittleEndian.PutUint16(o[20:], j.ErrCode)
		if j.Enabled {
			o[22] = 1
		}
	}

	b[offErrors] = byte(len(s.Errors))
	for i, e := range s.Errors {
		binary.LittleEndian.PutUint32(b[offErrors+4+i*4:], uint32(e))
	}

	var sections uint16
	if s.Force != nil {
		sections |= SectionForce
		for i := 0; i < 6; i++ {
			putF32(b[offForce+i*4:], s.Force.Raw[i])
			putF32(b[offForce+24+i*4:], s.Force.Zeroed[i])
		}
		binary.LittleEndian.PutUint32(b[offForce+48:], uint32(int32(s.Force.Coordinate)))
	}
	if s.Lift != nil {
		sections |= SectionLift
		encodeLinearAxis(b[offLift:], s.Lift)
	}
	if s.Expand != nil {
		sections |= SectionExpand
		encodeLinearAxis(b[offExpand:], s.Expand)
	}
	if s.Hand != nil {
		sections |= SectionHand
		for i := 0; i < 6; i++ {
			binary.LittleEndian.PutUint16(b[offHand+i*2:], uint16(s.Hand.Angle[i]))
			binary.LittleEndian.PutUint32(b[offHand+12+i*4:], uint32(s.Hand.Pos[i]))
			binary.LittleEndian.PutUint16(b[offHand+36+i*2:], uint16(s.Hand.Force[i]))
		}
		binary.LittleEndian.PutUint16(b[offHand+48:], s.Hand.ErrFlag)
		binary.LittleEndian.PutUint16(b[offHand+50:], s.Hand.Status)
	}
	binary.LittleEndian.PutUint16(b[offSections:], sections)

	binary.LittleEndian.PutUint16(b[offCRC:], crc16Modbus(b[:offCRC]))
	return b, nil
}

// MarkError sets the controller error marker on an encoded packet and fixes
// up the checksum.
func MarkError(b []byte) {
	if len(b) < PacketSize {
		return
	}
	b[offMarker] = 1
	binary.LittleEndian.PutUint16(b[offCRC:], crc16Modbus(b[:offCRC]))
}
